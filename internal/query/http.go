package query

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nzes1/oc-stablecoin-sub000/internal/observability"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// HTTPServer serves the read API over HTTP/JSON.
type HTTPServer struct {
	svc     *QueryService
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewHTTPServer(svc *QueryService, metrics *observability.Metrics) *HTTPServer {
	return &HTTPServer{
		svc:     svc,
		metrics: metrics,
		logger:  observability.NewLogger("query"),
	}
}

// Register mounts the read API routes on mux.
func (s *HTTPServer) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/collaterals", s.instrument("collaterals", s.handleListCollaterals))
	mux.HandleFunc("GET /v1/vaults", s.instrument("vaults_list", s.handleListVaults))
	mux.HandleFunc("GET /v1/vaults/{collateral}/{owner}", s.instrument("vault_get", s.handleGetVault))
	mux.HandleFunc("GET /v1/balances/{owner}", s.instrument("balances", s.handleGetBalances))
	mux.HandleFunc("GET /v1/liquidations", s.instrument("liquidations", s.handleLiquidations))
	mux.HandleFunc("GET /v1/absorbed", s.instrument("absorbed", s.handleAbsorbed))
	mux.HandleFunc("GET /v1/journal/{owner}", s.instrument("journal", s.handleJournal))
	mux.HandleFunc("GET /v1/integrity", s.instrument("integrity", s.handleIntegrity))
}

type apiError struct {
	status int
	code   string
	msg    string
}

func (e *apiError) Error() string { return e.msg }

func badRequest(msg string) *apiError {
	return &apiError{status: http.StatusBadRequest, code: "bad_request", msg: msg}
}

// instrument wraps a handler with request metrics and uniform error encoding.
func (s *HTTPServer) instrument(endpoint string, h func(r *http.Request) (interface{}, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		result, err := h(r)

		status := http.StatusOK
		if err != nil {
			var apiErr *apiError
			switch {
			case errors.As(err, &apiErr):
				status = apiErr.status
			case errors.Is(err, ErrNotFound):
				apiErr = &apiError{status: http.StatusNotFound, code: "not_found", msg: "not found"}
				status = apiErr.status
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				apiErr = &apiError{status: http.StatusServiceUnavailable, code: "timeout", msg: "request timed out"}
				status = apiErr.status
			default:
				apiErr = &apiError{status: http.StatusInternalServerError, code: "internal", msg: "internal error"}
				status = apiErr.status
				s.logger.Error().Err(err).Str("endpoint", endpoint).Msg("query failed")
			}

			if s.metrics != nil {
				s.metrics.QueryErrors.WithLabelValues(endpoint, apiErr.code).Inc()
			}
			writeJSON(w, status, map[string]string{"error": apiErr.code, "message": apiErr.msg})
		} else {
			writeJSON(w, status, result)
		}

		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
			s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

func (s *HTTPServer) handleListCollaterals(r *http.Request) (interface{}, error) {
	collaterals, err := s.svc.ListCollaterals(r.Context())
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"collaterals": emptyIfNil(collaterals)}, nil
}

func (s *HTTPServer) handleListVaults(r *http.Request) (interface{}, error) {
	q := r.URL.Query()
	collateral := optionalString(q.Get("collateral"))
	state := optionalString(q.Get("state"))

	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		return nil, err
	}

	vaults, err := s.svc.ListVaults(r.Context(), collateral, state, limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"vaults": emptyIfNil(vaults)}, nil
}

func (s *HTTPServer) handleGetVault(r *http.Request) (interface{}, error) {
	owner, err := uuid.Parse(r.PathValue("owner"))
	if err != nil {
		return nil, badRequest("owner must be a UUID")
	}
	return s.svc.GetVault(r.Context(), r.PathValue("collateral"), owner)
}

func (s *HTTPServer) handleGetBalances(r *http.Request) (interface{}, error) {
	owner, err := uuid.Parse(r.PathValue("owner"))
	if err != nil {
		return nil, badRequest("owner must be a UUID")
	}

	balances, err := s.svc.GetBalances(r.Context(), owner)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"balances": emptyIfNil(balances)}, nil
}

func (s *HTTPServer) handleLiquidations(r *http.Request) (interface{}, error) {
	q := r.URL.Query()
	collateral := optionalString(q.Get("collateral"))

	var owner *uuid.UUID
	if raw := q.Get("owner"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return nil, badRequest("owner must be a UUID")
		}
		owner = &parsed
	}

	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		return nil, err
	}

	before, err := parseCursor(q.Get("before"))
	if err != nil {
		return nil, err
	}

	history, err := s.svc.GetLiquidationHistory(r.Context(), collateral, owner, limit, before)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"liquidations": emptyIfNil(history)}, nil
}

func (s *HTTPServer) handleAbsorbed(r *http.Request) (interface{}, error) {
	q := r.URL.Query()
	collateral := optionalString(q.Get("collateral"))

	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		return nil, err
	}

	entries, err := s.svc.GetAbsorbedVaults(r.Context(), collateral, limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"absorbed_vaults": emptyIfNil(entries)}, nil
}

func (s *HTTPServer) handleJournal(r *http.Request) (interface{}, error) {
	owner, err := uuid.Parse(r.PathValue("owner"))
	if err != nil {
		return nil, badRequest("owner must be a UUID")
	}

	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		return nil, err
	}

	before, err := parseCursor(q.Get("before"))
	if err != nil {
		return nil, err
	}

	entries, err := s.svc.GetJournalHistory(r.Context(), owner, limit, before)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"journal": emptyIfNil(entries)}, nil
}

func (s *HTTPServer) handleIntegrity(r *http.Request) (interface{}, error) {
	return s.svc.VerifyIntegrity(r.Context())
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultPageSize, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, badRequest("limit must be a positive integer")
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return limit, nil
}

func parseCursor(raw string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, badRequest("before must be an integer sequence")
	}
	return &cursor, nil
}

// emptyIfNil keeps list responses as [] instead of null.
func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
