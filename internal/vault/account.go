package vault

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeUnlocked AccountSubType = iota
	SubTypeLocked

	// System sub-types
	SubTypeFeeReserve
	SubTypePenaltyReserve
	SubTypeAbsorbed

	// External sub-types
	SubTypeCustody
)

// AccountKey is the in-memory key for balance tracking. Collateral
// identifiers are registered at runtime, so the asset component is the
// collateral ID string rather than a static numeric table.
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, name bytes for system accounts
	SubType  AccountSubType
	Asset    string
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(owner uuid.UUID, subType AccountSubType, asset string) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: owner,
		SubType:  subType,
		Asset:    asset,
	}
}

// NewSystemAccountKey creates a key for protocol reserve accounts
func NewSystemAccountKey(subType AccountSubType, asset string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		Asset:   asset,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, asset string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		Asset:   asset,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), k.Asset)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), k.Asset)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), k.Asset)
	}
	return "unknown"
}

// ParseAccountPath inverts AccountPath for snapshot restore.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	switch {
	case len(parts) == 4 && parts[0] == "user":
		owner, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("parse account path %q: %w", path, err)
		}
		sub, err := subTypeFromName(parts[2])
		if err != nil {
			return AccountKey{}, fmt.Errorf("parse account path %q: %w", path, err)
		}
		return NewUserAccountKey(owner, sub, parts[3]), nil
	case len(parts) == 3 && parts[0] == "system":
		sub, err := subTypeFromName(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("parse account path %q: %w", path, err)
		}
		return NewSystemAccountKey(sub, parts[2]), nil
	case len(parts) == 3 && parts[0] == "external":
		sub, err := subTypeFromName(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("parse account path %q: %w", path, err)
		}
		return NewExternalAccountKey(sub, parts[2]), nil
	}
	return AccountKey{}, fmt.Errorf("malformed account path %q", path)
}

func subTypeFromName(name string) (AccountSubType, error) {
	switch name {
	case "unlocked":
		return SubTypeUnlocked, nil
	case "locked":
		return SubTypeLocked, nil
	case "fee_reserve":
		return SubTypeFeeReserve, nil
	case "penalty_reserve":
		return SubTypePenaltyReserve, nil
	case "absorbed":
		return SubTypeAbsorbed, nil
	case "custody":
		return SubTypeCustody, nil
	}
	return 0, fmt.Errorf("unknown account sub-type %q", name)
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeUnlocked:
		return "unlocked"
	case SubTypeLocked:
		return "locked"
	case SubTypeFeeReserve:
		return "fee_reserve"
	case SubTypePenaltyReserve:
		return "penalty_reserve"
	case SubTypeAbsorbed:
		return "absorbed"
	case SubTypeCustody:
		return "custody"
	default:
		return "unknown"
	}
}
