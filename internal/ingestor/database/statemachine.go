package database

import (
	"github.com/pkg/errors"

	"github.com/aydarnuman/catering-pro-sub000/internal/common/ingesterrors"
)

// Forward transitions plus the two ways back to queued: operator re-queue of a finished item and the
// staleness sweep of an abandoned claim. Skipped is final.
var transitions = map[Status][]Status{
	StatusPending:    {StatusQueued, StatusSkipped},
	StatusQueued:     {StatusProcessing, StatusSkipped},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusSkipped, StatusQueued},
	StatusCompleted:  {StatusQueued},
	StatusFailed:     {StatusQueued},
	StatusSkipped:    {},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Requeueable reports whether an operator may send an item in status s back to the queue for re-analysis.
func Requeueable(s Status) bool {
	return s == StatusCompleted || s == StatusFailed
}

func checkTransition(id int64, from, to Status) error {
	if !CanTransition(from, to) {
		return errors.WithStack(&ingesterrors.ErrIllegalTransition{Id: id, From: string(from), To: string(to)})
	}
	return nil
}
