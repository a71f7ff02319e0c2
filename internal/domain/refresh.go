package domain

import "time"

type RefreshState string

const (
	RefreshStateIdle       RefreshState = "idle"
	RefreshStateFetching   RefreshState = "fetching"
	RefreshStateProcessing RefreshState = "processing"
	RefreshStateCompleted  RefreshState = "completed"
	RefreshStateError      RefreshState = "error"
)

// Busy reports whether a refresh cycle is in flight.
func (s RefreshState) Busy() bool {
	return s == RefreshStateFetching || s == RefreshStateProcessing
}

// RefreshStatus is the process-wide, pollable refresh record.
type RefreshStatus struct {
	Status      RefreshState `json:"status"`
	Message     string       `json:"message"`
	LastUpdated time.Time    `json:"last_updated"`
	Count       int          `json:"count"`
}

func IdleStatus() RefreshStatus {
	return RefreshStatus{
		Status:  RefreshStateIdle,
		Message: "No refresh has run yet",
	}
}

// RefreshRequest is the queue message that starts one refresh cycle.
type RefreshRequest struct {
	ID          string    `json:"id"`
	WindowDays  int       `json:"window_days"`
	Attempt     int       `json:"attempt"`
	RequestedAt time.Time `json:"requested_at"`
}
