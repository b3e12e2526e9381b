// Package guard enforces stage transition rules for dunning records.
package guard

import (
	"github.com/clubworks/memberd/internal/config"
	"github.com/clubworks/memberd/internal/dunning/domain"
)

// StageRank returns the position of stage in the schedule, or -1 when the
// schedule does not know it.
func StageRank(schedule []config.DunningStage, stage string) int {
	for i, s := range schedule {
		if s.Stage == stage {
			return i
		}
	}
	return -1
}

// EnsureCanAdvance checks that from -> to is a legal move: both stages exist,
// the record is not already terminal, and the move goes strictly forward.
func EnsureCanAdvance(schedule []config.DunningStage, from, to string) error {
	fromRank := StageRank(schedule, from)
	toRank := StageRank(schedule, to)
	if fromRank < 0 || toRank < 0 {
		return domain.ErrUnknownStage
	}
	if fromRank == len(schedule)-1 {
		return domain.ErrRecordTerminal
	}
	if toRank <= fromRank {
		return domain.ErrNonMonotonicStage
	}
	return nil
}
