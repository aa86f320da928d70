package service

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Edwinexd/vival/internal/models"
)

const reviewSystemPrompt = `You are a senior teaching assistant reviewing a student's programming submission.
Respond with a single JSON object and nothing else, using exactly these keys:
{
  "critique": string,
  "issues": [{"title": string, "severity": "low"|"medium"|"high", "description": string, "location": string}],
  "discussion_plan": {"topics": [{"title": string, "question": string, "expected_answer": string, "follow_ups": [string]}]}
}
The discussion plan drives a short oral exam that checks the student understands their own code.
Order topics from most to least important and keep between three and six of them.`

func buildReviewUserPrompt(sub *models.Submission) string {
	var b strings.Builder
	b.WriteString("Assignment: ")
	b.WriteString(sub.AssignmentID)
	if sub.Language != "" {
		b.WriteString("\nLanguage: ")
		b.WriteString(sub.Language)
	}
	b.WriteString("\n\nSubmission:\n")
	b.WriteString(sub.Content)
	return b.String()
}

// buildExamPrompt renders the system prompt override handed to the voice
// agent for one session.
func buildExamPrompt(plan models.DiscussionPlan, maxDuration time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are conducting an oral examination about the student's own code submission. "+
		"The exam must end within %d minutes. Ask one question at a time, follow up on vague answers, "+
		"and never reveal the expected answers.\n\nTopics, in order:\n", int(maxDuration.Minutes()))

	for i, topic := range plan.Topics {
		fmt.Fprintf(&b, "%d. %s\n   Question: %s\n", i+1, topic.Title, topic.Question)
		for _, f := range topic.FollowUps {
			fmt.Fprintf(&b, "   Follow-up: %s\n", f)
		}
	}
	return b.String()
}

var graderStanceInstructions = map[models.GraderStance]string{
	models.GraderStrict:   "Grade strictly. Award credit only for answers that are precise and clearly the student's own understanding.",
	models.GraderBalanced: "Grade in a balanced way. Weigh correct reasoning against gaps as an experienced examiner would.",
	models.GraderGenerous: "Grade generously. Give credit for partially correct answers that show the right direction of thought.",
}

func buildGradingSystemPrompt(stance models.GraderStance) string {
	return "You grade oral programming exams from their transcripts. " +
		graderStanceInstructions[stance] +
		` Respond with a single JSON object: {"score": integer 0-100, "reasoning": string}.`
}

func buildGradingUserPrompt(plan models.DiscussionPlan, transcript []models.TranscriptTurn) string {
	planJSON, _ := json.MarshalIndent(plan, "", "  ")

	var b strings.Builder
	b.WriteString("Discussion plan with expected answers:\n")
	b.Write(planJSON)
	b.WriteString("\n\nTranscript:\n")
	for _, turn := range transcript {
		fmt.Fprintf(&b, "[%ds] %s: %s\n", turn.TimeInCallSecs, turn.Role, turn.Message)
	}
	return b.String()
}
