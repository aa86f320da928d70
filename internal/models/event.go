package models

type GradingRequestedEvent struct {
	SessionID    string `json:"session_id"`
	SubmissionID string `json:"submission_id"`
	Timestamp    int64  `json:"timestamp"`
}
