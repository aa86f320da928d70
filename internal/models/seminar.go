package models

import (
	"encoding/json"
	"time"
)

type SeminarSlot struct {
	ID            string    `json:"id" db:"id"`
	AssignmentID  string    `json:"assignment_id" db:"assignment_id"`
	StartsAt      time.Time `json:"starts_at" db:"starts_at"`
	EndsAt        time.Time `json:"ends_at" db:"ends_at"`
	MaxConcurrent int       `json:"max_concurrent" db:"max_concurrent"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Contains reports whether t falls inside the slot window, bounds inclusive.
func (s *SeminarSlot) Contains(t time.Time) bool {
	return !t.Before(s.StartsAt) && !t.After(s.EndsAt)
}

type SeminarSession struct {
	ID              string          `json:"id" db:"id"`
	SubmissionID    string          `json:"submission_id" db:"submission_id"`
	SlotID          string          `json:"slot_id" db:"slot_id"`
	StudentID       string          `json:"student_id" db:"student_id"`
	Status          SessionStatus   `json:"status" db:"status"`
	ConversationID  *string         `json:"conversation_id,omitempty" db:"conversation_id"`
	StartedAt       *time.Time      `json:"started_at,omitempty" db:"started_at"`
	EndedAt         *time.Time      `json:"ended_at,omitempty" db:"ended_at"`
	DurationSeconds *int            `json:"duration_seconds,omitempty" db:"duration_seconds"`
	EndSource       *string         `json:"end_source,omitempty" db:"end_source"`
	EndReason       *string         `json:"end_reason,omitempty" db:"end_reason"`
	Transcript      json.RawMessage `json:"transcript,omitempty" db:"transcript"`
	RecordingKey    *string         `json:"recording_key,omitempty" db:"recording_key"`
	LeaseHolder     *string         `json:"-" db:"lease_holder"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// LeaseKey is the semaphore holder id of the start attempt that moved the
// session to in_progress. Rows started before holders were recorded fall
// back to the session id.
func (s *SeminarSession) LeaseKey() string {
	if s.LeaseHolder != nil && *s.LeaseHolder != "" {
		return *s.LeaseHolder
	}
	return s.ID
}

type SessionStatus string

const (
	SessionStatusBooked     SessionStatus = "booked"
	SessionStatusWaiting    SessionStatus = "waiting"
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusFailed     SessionStatus = "failed"
	SessionStatusNoShow     SessionStatus = "no_show"
)

func (s SessionStatus) String() string {
	return string(s)
}

func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusNoShow:
		return true
	default:
		return false
	}
}

// CountsTowardCapacity reports whether a session occupies a booking seat.
func (s SessionStatus) CountsTowardCapacity() bool {
	return s != SessionStatusFailed && s != SessionStatusNoShow
}

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusBooked:     {SessionStatusWaiting, SessionStatusInProgress, SessionStatusNoShow},
	SessionStatusWaiting:    {SessionStatusInProgress, SessionStatusNoShow},
	SessionStatusInProgress: {SessionStatusCompleted, SessionStatusFailed},
}

func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TransitionSources lists every status that may move directly into target.
// Repositories use it as the guard of a conditional UPDATE.
func TransitionSources(target SessionStatus) []SessionStatus {
	var sources []SessionStatus
	for _, from := range []SessionStatus{SessionStatusBooked, SessionStatusWaiting, SessionStatusInProgress} {
		if from.CanTransitionTo(target) {
			sources = append(sources, from)
		}
	}
	return sources
}

// PendingBookingStatuses are the statuses swept to no_show once the window closes.
var PendingBookingStatuses = []SessionStatus{SessionStatusBooked, SessionStatusWaiting}

type CompletionSource string

const (
	CompletionSourceWebhook CompletionSource = "webhook"
	CompletionSourceClient  CompletionSource = "client"
	CompletionSourceTimeout CompletionSource = "timeout"
)

// Outcome is the terminal signal produced by either completion path.
type Outcome struct {
	Status          SessionStatus
	Source          CompletionSource
	DurationSeconds int
	EndedAt         time.Time
	Reason          string
}

type TranscriptTurn struct {
	Role           string `json:"role"`
	Message        string `json:"message"`
	TimeInCallSecs int    `json:"time_in_call_secs"`
}

type SessionWithSlot struct {
	SeminarSession
	Slot SeminarSlot `json:"slot"`
}
