package engine

import (
	"fmt"
)

// SequenceValidator validates source sequences per partition. User actions
// use one partition per upstream producer and reject gaps; price feeds get
// their own partitions where stale observations are silently skipped and
// gaps tolerated.
// Not thread-safe — only accessed from the single-threaded core.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
	}
}

// ValidateSequence checks source sequence ordering for action partitions.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		if isDuplicate {
			// Already processed — expected on redelivery
			return nil
		}
		return fmt.Errorf("out-of-order event: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
		partition, expected, sourceSequence)
}

// ValidatePriceSequence validates price updates. Returns false when the
// observation is stale and should be skipped without error.
func (sv *SequenceValidator) ValidatePriceSequence(feed string, priceSequence int64) bool {
	partition := fmt.Sprintf("price:%s", feed)

	expected := sv.expectedNextSeq[partition]

	if priceSequence <= expected {
		// Stale — silently ignore (idempotent)
		return false
	}

	// Gaps are tolerable for prices: only the latest observation matters.
	sv.expectedNextSeq[partition] = priceSequence

	return true
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// SetExpectedSequence initializes expected sequence (used during recovery)
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// Snapshot returns the per-partition state for snapshots.
func (sv *SequenceValidator) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

// Restore replaces the per-partition state from a snapshot.
func (sv *SequenceValidator) Restore(state map[string]int64) {
	sv.expectedNextSeq = make(map[string]int64, len(state))
	for k, v := range state {
		sv.expectedNextSeq[k] = v
	}
}
