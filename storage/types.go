package storage

import (
	"errors"

	"fileswoosh/models"
)

var (
	// ErrNotFound indicates a requested record does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrDuplicate indicates a record with the same key already exists.
	ErrDuplicate = errors.New("storage: duplicate record")
	// ErrInvalidTransition indicates a stage change the state machine forbids.
	ErrInvalidTransition = errors.New("storage: invalid stage transition")
)

var allowedTransitions = map[models.Stage][]models.Stage{
	models.StageRequested: {models.StageConfirmed, models.StageCanceled, models.StageCompleted},
	models.StageConfirmed: {models.StageCanceled, models.StageCompleted},
}

// CanTransition reports whether a transaction may move from one stage to another.
// Re-entering the current non-terminal stage is not a transition and is rejected.
func CanTransition(from, to models.Stage) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func validateDirection(direction models.Direction) error {
	switch direction {
	case models.Inbound, models.Outbound:
		return nil
	default:
		return errors.New("storage: invalid transaction direction")
	}
}
