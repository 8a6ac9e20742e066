// Package lifecycle drives a job instance through its states and decides, after
// each attempt, whether it succeeds, retries, dies or is cancelled.
package lifecycle

import (
	"errors"
	"fmt"

	"elysium-jobs/internal/models"
)

// Event triggers a state transition.
type Event string

const (
	EventDelay   Event = "delay"   // enqueued for later
	EventPromote Event = "promote" // availableAt reached
	EventReserve Event = "reserve"
	EventYield   Event = "yield" // handed back unrun, attempt restored
	EventBegin   Event = "begin"
	EventSucceed Event = "succeed"
	EventFail    Event = "fail"
	EventRetry   Event = "retry"
	EventKill    Event = "kill"
	EventCancel  Event = "cancel"
	EventExpire  Event = "expire" // lease ran out
	EventRequeue Event = "requeue"
)

// ErrInvalidTransition is returned for an event that is illegal in the current state.
var ErrInvalidTransition = errors.New("invalid state transition")

var table = map[models.State]map[Event]models.State{
	models.StatePending: {
		EventDelay:   models.StateScheduled,
		EventReserve: models.StateReserved,
		EventCancel:  models.StateCancelled,
	},
	models.StateScheduled: {
		EventPromote: models.StatePending,
		EventCancel:  models.StateCancelled,
	},
	models.StateReserved: {
		EventBegin:  models.StateRunning,
		EventYield:  models.StatePending,
		EventExpire: models.StatePending,
		EventKill:   models.StateDead,
		EventCancel: models.StateCancelled,
	},
	models.StateRunning: {
		EventSucceed: models.StateSucceeded,
		EventFail:    models.StateFailed,
		EventCancel:  models.StateCancelled,
		EventExpire:  models.StatePending,
		EventKill:    models.StateDead,
	},
	models.StateFailed: {
		EventRetry:  models.StateRetrying,
		EventKill:   models.StateDead,
		EventCancel: models.StateCancelled,
	},
	models.StateRetrying: {
		EventPromote: models.StatePending,
		EventCancel:  models.StateCancelled,
	},
	models.StateDead: {
		EventRequeue: models.StatePending,
	},
}

// Transition returns the state reached from `from` on ev.
func Transition(from models.State, ev Event) (models.State, error) {
	if to, ok := table[from][ev]; ok {
		return to, nil
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, from, ev)
}
