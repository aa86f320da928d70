package models

import (
	"time"
)

type Review struct {
	ID             string         `json:"id" db:"id"`
	SubmissionID   string         `json:"submission_id" db:"submission_id"`
	Critique       string         `json:"critique" db:"critique"`
	Issues         []ReviewIssue  `json:"issues" db:"issues"`
	DiscussionPlan DiscussionPlan `json:"discussion_plan" db:"discussion_plan"`
	Model          string         `json:"model" db:"model"`
	Repaired       bool           `json:"repaired" db:"repaired"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}

type ReviewIssue struct {
	Title       string `json:"title"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Location    string `json:"location,omitempty"`
}

type DiscussionPlan struct {
	Topics []DiscussionTopic `json:"topics"`
}

type DiscussionTopic struct {
	Title          string   `json:"title"`
	Question       string   `json:"question"`
	ExpectedAnswer string   `json:"expected_answer"`
	FollowUps      []string `json:"follow_ups,omitempty"`
}

// ReviewPayload is the structured document the LLM is asked to return.
type ReviewPayload struct {
	Critique       string         `json:"critique"`
	Issues         []ReviewIssue  `json:"issues"`
	DiscussionPlan DiscussionPlan `json:"discussion_plan"`
}
