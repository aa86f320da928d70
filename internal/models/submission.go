package models

import (
	"time"
)

type Submission struct {
	ID           string           `json:"id" db:"id"`
	StudentID    string           `json:"student_id" db:"student_id"`
	AssignmentID string           `json:"assignment_id" db:"assignment_id"`
	Content      string           `json:"-" db:"content"`
	Language     string           `json:"language,omitempty" db:"language"`
	Status       SubmissionStatus `json:"status" db:"status"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at" db:"updated_at"`
}

type SubmissionStatus string

const (
	SubmissionStatusPending          SubmissionStatus = "pending"
	SubmissionStatusReviewing        SubmissionStatus = "reviewing"
	SubmissionStatusReviewed         SubmissionStatus = "reviewed"
	SubmissionStatusSeminarPending   SubmissionStatus = "seminar_pending"
	SubmissionStatusSeminarCompleted SubmissionStatus = "seminar_completed"
	SubmissionStatusApproved         SubmissionStatus = "approved"
	SubmissionStatusRejected         SubmissionStatus = "rejected"
)

func (s SubmissionStatus) String() string {
	return string(s)
}

var submissionTransitions = map[SubmissionStatus][]SubmissionStatus{
	SubmissionStatusPending:          {SubmissionStatusReviewing},
	SubmissionStatusReviewing:        {SubmissionStatusReviewed, SubmissionStatusPending},
	SubmissionStatusReviewed:         {SubmissionStatusSeminarPending},
	SubmissionStatusSeminarPending:   {SubmissionStatusSeminarCompleted, SubmissionStatusReviewed},
	SubmissionStatusSeminarCompleted: {SubmissionStatusApproved, SubmissionStatusRejected},
}

func (s SubmissionStatus) CanTransitionTo(next SubmissionStatus) bool {
	for _, allowed := range submissionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func IsValidSubmissionStatus(status string) bool {
	switch SubmissionStatus(status) {
	case SubmissionStatusPending, SubmissionStatusReviewing, SubmissionStatusReviewed,
		SubmissionStatusSeminarPending, SubmissionStatusSeminarCompleted,
		SubmissionStatusApproved, SubmissionStatusRejected:
		return true
	default:
		return false
	}
}
