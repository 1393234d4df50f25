package txn

import "strings"

// Status is the lifecycle state of a payment transaction.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusProcessing     Status = "PROCESSING"
	StatusRequiresAction Status = "REQUIRES_ACTION"
	StatusSucceeded      Status = "SUCCEEDED"
	StatusFailed         Status = "FAILED"
	StatusCancelled      Status = "CANCELLED"
	StatusRefunded       Status = "REFUNDED"
)

var transitions = map[Status][]Status{
	StatusPending:        {StatusProcessing, StatusRequiresAction, StatusSucceeded, StatusFailed, StatusCancelled},
	StatusProcessing:     {StatusRequiresAction, StatusSucceeded, StatusFailed, StatusCancelled},
	StatusRequiresAction: {StatusSucceeded, StatusFailed, StatusCancelled},
	StatusSucceeded:      {StatusRefunded},
}

// ParseStatus accepts any casing of a known status.
func ParseStatus(value string) (Status, bool) {
	s := Status(strings.ToUpper(strings.TrimSpace(value)))
	switch s {
	case StatusPending, StatusProcessing, StatusRequiresAction, StatusSucceeded,
		StatusFailed, StatusCancelled, StatusRefunded:
		return s, true
	}
	return "", false
}

// CanTransitionTo reports whether next is reachable from s in one step.
// A self-transition is not a transition.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no provider event may move s except SUCCEEDED to REFUNDED.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }
