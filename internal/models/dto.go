package models

type ReasonCode string

const (
	ReasonCapacity          ReasonCode = "capacity"
	ReasonOutsideWindow     ReasonCode = "outside_window"
	ReasonAlreadyInProgress ReasonCode = "already_in_progress"
	ReasonInvalidState      ReasonCode = "invalid_state"
	ReasonReviewMissing     ReasonCode = "review_missing"
	ReasonPrecondition      ReasonCode = "precondition"
)

// Availability answers "may this operation run now" without mutating state.
type Availability struct {
	Allowed       bool       `json:"allowed"`
	Reason        string     `json:"reason,omitempty"`
	ReasonCode    ReasonCode `json:"reason_code,omitempty"`
	Retryable     bool       `json:"retryable"`
	Status        string     `json:"status"`
	ActiveCount   int        `json:"active_count"`
	MaxConcurrent int        `json:"max_concurrent"`
}

type StartOutcome struct {
	Started          bool          `json:"started"`
	Status           SessionStatus `json:"status"`
	Reason           string        `json:"reason,omitempty"`
	ReasonCode       ReasonCode    `json:"reason_code,omitempty"`
	Retryable        bool          `json:"retryable"`
	ActiveCount      int           `json:"active_count"`
	MaxConcurrent    int           `json:"max_concurrent"`
	ConnectionHandle string        `json:"connection_handle,omitempty"`
	PromptOverride   string        `json:"prompt_override,omitempty"`
}

type CompletionResult struct {
	SessionID        string           `json:"session_id"`
	Status           SessionStatus    `json:"status"`
	Finalized        bool             `json:"finalized"`
	AlreadyFinalized bool             `json:"already_finalized"`
	Pending          bool             `json:"pending"`
	Source           CompletionSource `json:"source,omitempty"`
}

type ReviewOutcome struct {
	Ran           bool             `json:"ran"`
	Review        *Review          `json:"review,omitempty"`
	Status        SubmissionStatus `json:"status"`
	Reason        string           `json:"reason,omitempty"`
	ReasonCode    ReasonCode       `json:"reason_code,omitempty"`
	Retryable     bool             `json:"retryable"`
	ActiveCount   int              `json:"active_count"`
	MaxConcurrent int              `json:"max_concurrent"`
}

type SweepResult struct {
	NoShows  int `json:"no_shows"`
	TimedOut int `json:"timed_out"`
}

type BookSlotRequest struct {
	SubmissionID string `json:"submission_id"`
}

type AttachConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

type ClientCompletionRequest struct {
	Status          string `json:"status"`
	DurationSeconds int    `json:"duration_seconds"`
}

const (
	ClientStatusEnded = "ended"
	ClientStatusError = "error"
)

type SessionListResponse struct {
	Sessions []SeminarSession `json:"sessions"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
	Swept    SweepResult      `json:"swept"`
}

type HealthCheckResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

type BookingOutcome struct {
	Booked           bool             `json:"booked"`
	Session          *SeminarSession  `json:"session,omitempty"`
	SubmissionStatus SubmissionStatus `json:"submission_status"`
	Reason           string           `json:"reason,omitempty"`
	ReasonCode       ReasonCode       `json:"reason_code,omitempty"`
	Retryable        bool             `json:"retryable"`
	MaxConcurrent    int              `json:"max_concurrent"`
}
