// Package job defines the job record, its lifecycle state machine, and the
// identity model used for access control.
package job

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusDone        Status = "done"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// Type selects which executor runs for a job.
type Type string

const (
	TypeCreate     Type = "create"
	TypeDeploy     Type = "deploy"
	TypeDelete     Type = "delete"
	TypeStart      Type = "start"
	TypeStop       Type = "stop"
	TypeEnvRestart Type = "env-restart"
)

// Types lists every known job type.
var Types = []Type{TypeCreate, TypeDeploy, TypeDelete, TypeStart, TypeStop, TypeEnvRestart}

// ValidType reports whether t is a known job type.
func ValidType(t Type) bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// validTransitions encodes the legal edges of the job state machine.
// Retry (failed|interrupted -> pending) is included; cancel removes the
// record entirely and is not a transition.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning: true,
		// Dispatch failure: a job that could not be handed to an executor
		// rolls back to failed so retry and cancel stay available.
		StatusFailed: true,
	},
	StatusRunning: {
		StatusDone:        true,
		StatusFailed:      true,
		StatusInterrupted: true,
	},
	StatusFailed: {
		StatusPending: true,
	},
	StatusInterrupted: {
		StatusPending: true,
	},
	StatusDone: {},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	return validTransitions[from][to]
}

// Terminal reports whether s is a terminal state: no further automatic
// progression is possible.
func Terminal(s Status) bool {
	return s == StatusDone || s == StatusFailed || s == StatusInterrupted
}

// Retryable reports whether a job in state s may be retried or cancelled.
func Retryable(s Status) bool {
	return s == StatusFailed || s == StatusInterrupted
}

// Job is the unit of trackable asynchronous work.
type Job struct {
	ID        string            `json:"id"`
	Status    Status            `json:"status"`
	Type      Type              `json:"type"`
	Owner     string            `json:"owner"`
	Meta      map[string]string `json:"meta,omitempty"`
	Logs      []string          `json:"logs,omitempty"`
	Error     string            `json:"error,omitempty"`
	Attempt   int               `json:"attempt"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// NewID allocates a new opaque job id.
func NewID() string {
	return uuid.NewString()
}

// Identity is the authenticated caller of a request, supplied per request by
// the auth layer in front of the engine.
type Identity struct {
	User string
	Role string
}

// RoleAdmin is the elevated role with cross-owner visibility.
const RoleAdmin = "admin"

// Elevated reports whether the identity may act on jobs it does not own.
func (id Identity) Elevated() bool {
	return id.Role == RoleAdmin
}

// CanAccess reports whether the identity may read or mutate a job owned by
// owner.
func (id Identity) CanAccess(owner string) bool {
	return id.Elevated() || id.User == owner
}
