package models

import (
	"time"
)

type AIGrade struct {
	ID                string             `json:"id" db:"id"`
	SessionID         string             `json:"session_id" db:"session_id"`
	Status            GradeStatus        `json:"status" db:"status"`
	Samples           [3]GradeSample     `json:"samples"`
	SuggestedScore    *int               `json:"suggested_score,omitempty" db:"suggested_score"`
	AggregationMethod *AggregationMethod `json:"aggregation_method,omitempty" db:"aggregation_method"`
	ErrorMessage      *string            `json:"error_message,omitempty" db:"error_message"`
	CreatedAt         time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at" db:"updated_at"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty" db:"completed_at"`
}

// GradeSample is one grader's verdict; Score is nil when that grader failed.
type GradeSample struct {
	Score     *int   `json:"score,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

type GradeStatus string

const (
	GradeStatusPending    GradeStatus = "pending"
	GradeStatusInProgress GradeStatus = "in_progress"
	GradeStatusCompleted  GradeStatus = "completed"
	GradeStatusFailed     GradeStatus = "failed"
)

func (s GradeStatus) String() string {
	return string(s)
}

type AggregationMethod string

const (
	AggregationAverage AggregationMethod = "average"
	AggregationMedian  AggregationMethod = "median"
)

type GraderStance string

const (
	GraderStrict   GraderStance = "strict"
	GraderBalanced GraderStance = "balanced"
	GraderGenerous GraderStance = "generous"
)

// GraderStances is ordered; index i is persisted as score_{i+1}.
var GraderStances = [3]GraderStance{GraderStrict, GraderBalanced, GraderGenerous}

// GraderVerdict is one grader's reply. Score is nil when the reply omitted it.
type GraderVerdict struct {
	Score     *int   `json:"score"`
	Reasoning string `json:"reasoning"`
}
