package booking

import "fmt"

// Status is the appointment lifecycle state. Request states record a
// client's proposal; only the owning therapist or an admin can move the
// appointment into a genuinely final state.
type Status string

const (
	StatusPendingApproval             Status = "PENDING_APPROVAL"
	StatusScheduled                   Status = "SCHEDULED"
	StatusInProgress                  Status = "IN_PROGRESS"
	StatusCompleted                   Status = "COMPLETED"
	StatusNoShow                      Status = "NO_SHOW"
	StatusCancelledByClient           Status = "CANCELLED_BY_CLIENT"
	StatusCancelledByTherapist        Status = "CANCELLED_BY_THERAPIST"
	StatusRescheduled                 Status = "RESCHEDULED"
	StatusCancelRequestedByClient     Status = "CANCEL_REQUESTED_BY_CLIENT"
	StatusRescheduleRequestedByClient Status = "RESCHEDULE_REQUESTED_BY_CLIENT"
)

var allStatuses = map[Status]bool{
	StatusPendingApproval:             true,
	StatusScheduled:                   true,
	StatusInProgress:                  true,
	StatusCompleted:                   true,
	StatusNoShow:                      true,
	StatusCancelledByClient:           true,
	StatusCancelledByTherapist:        true,
	StatusRescheduled:                 true,
	StatusCancelRequestedByClient:     true,
	StatusRescheduleRequestedByClient: true,
}

// ParseStatus validates a caller-supplied status value.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !allStatuses[st] {
		return "", invalidArgument(fmt.Sprintf("unknown appointment status %q", s))
	}
	return st, nil
}

// Terminal reports whether no further transitions are allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusNoShow, StatusCancelledByClient,
		StatusCancelledByTherapist, StatusRescheduled:
		return true
	}
	return false
}

// Cancelled reports whether s releases the booked slot.
func (s Status) Cancelled() bool {
	return s == StatusCancelledByClient || s == StatusCancelledByTherapist
}
