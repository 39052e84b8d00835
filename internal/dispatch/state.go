package dispatch

import "github.com/lalithlochan/herald/internal/db"

var transitions = map[string][]string{
	db.JobStatusPending:    {db.JobStatusProcessing, db.JobStatusCancelled, db.JobStatusFailed},
	db.JobStatusProcessing: {db.JobStatusCompleted, db.JobStatusCancelled, db.JobStatusFailed},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further chunk may run for a job in status.
func IsTerminal(status string) bool {
	switch status {
	case db.JobStatusCompleted, db.JobStatusCancelled, db.JobStatusFailed:
		return true
	}
	return false
}
