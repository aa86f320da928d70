package httpd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/Edwinexd/vival/internal/models"
	"github.com/Edwinexd/vival/internal/service"
	"github.com/Edwinexd/vival/internal/service/integration"
)

type stubReview struct {
	outcome *models.ReviewOutcome
	err     error
}

func (s *stubReview) RunReview(context.Context, string) (*models.ReviewOutcome, error) {
	return s.outcome, s.err
}

func (s *stubReview) CanRunReview(context.Context, string) (*models.Availability, error) {
	return &models.Availability{Allowed: true}, nil
}

func (s *stubReview) GetReview(_ context.Context, id string) (*models.Review, error) {
	return nil, fmt.Errorf("review for %s: %w", id, service.ErrNotFound)
}

type stubSeminar struct {
	service.SeminarService
	start    *models.StartOutcome
	attached []string
}

func (s *stubSeminar) StartSession(context.Context, string) (*models.StartOutcome, error) {
	return s.start, nil
}

func (s *stubSeminar) AttachConversation(_ context.Context, sessionID, conversationID string) error {
	s.attached = append(s.attached, sessionID+"="+conversationID)
	return nil
}

type stubCompletion struct {
	service.CompletionService
	completed []string
	err       error
}

func (s *stubCompletion) CompleteSession(_ context.Context, conversationID, status string, duration int) (*models.CompletionResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.completed = append(s.completed, fmt.Sprintf("%s:%s:%d", conversationID, status, duration))
	return &models.CompletionResult{SessionID: sessionID, Status: models.SessionStatusCompleted, Finalized: true}, nil
}

func (s *stubCompletion) ReportClientCompletion(context.Context, string, string, int) (*models.CompletionResult, error) {
	return &models.CompletionResult{SessionID: sessionID, Status: models.SessionStatusInProgress, Pending: true}, nil
}

type stubGrading struct {
	service.GradingService
	err error
}

func (s *stubGrading) RunGrading(context.Context, string) (*models.AIGrade, error) {
	return nil, s.err
}

const (
	webhookSecret = "whsec_test"
	sessionID     = "5f0b3c1e-8a4d-4d8e-9a57-3c2f1e6b9d10"
	otherSession  = "9e2d7a44-1b3c-4f6a-8e21-7d5c0b9a3f42"
	submissionID  = "c1a9e6f2-4b7d-4e3a-b2c8-0f5d6e7a8b91"
)

type testServer struct {
	router     chi.Router
	review     *stubReview
	seminar    *stubSeminar
	completion *stubCompletion
	grading    *stubGrading
	verifier   *integration.WebhookVerifier
}

func newTestServer(checks map[string]HealthCheck) *testServer {
	ts := &testServer{
		review:     &stubReview{},
		seminar:    &stubSeminar{},
		completion: &stubCompletion{},
		grading:    &stubGrading{},
		verifier:   integration.NewWebhookVerifier(webhookSecret, 5*time.Minute),
	}
	h := NewHandler(ts.review, ts.seminar, ts.completion, ts.grading, ts.verifier, checks, zerolog.Nop())
	ts.router = chi.NewRouter()
	h.RegisterRoutes(ts.router)
	return ts
}

func (ts *testServer) do(method, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestServiceErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", service.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", service.ErrInvalidState), http.StatusConflict},
		{fmt.Errorf("x: %w", service.ErrInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("%w: timeout", service.ErrProviderFailure), http.StatusBadGateway},
		{fmt.Errorf("%w: bad json", service.ErrMalformedResponse), http.StatusBadGateway},
		{errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		ts := newTestServer(nil)
		ts.grading.err = tc.err
		rec := ts.do(http.MethodPost, "/api/v1/sessions/"+sessionID+"/grading", nil, nil)
		if rec.Code != tc.want {
			t.Fatalf("%v: status = %d, want %d", tc.err, rec.Code, tc.want)
		}
	}
}

func TestRunReviewCapacityIs429(t *testing.T) {
	ts := newTestServer(nil)
	ts.review.outcome = &models.ReviewOutcome{
		ReasonCode:    models.ReasonCapacity,
		Reason:        "too many reviews",
		Retryable:     true,
		ActiveCount:   5,
		MaxConcurrent: 5,
	}

	rec := ts.do(http.MethodPost, "/api/v1/submissions/"+submissionID+"/review", nil, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != "capacity" {
		t.Fatalf("error = %v", body["error"])
	}
	data := body["data"].(map[string]interface{})
	if data["active_count"].(float64) != 5 {
		t.Fatalf("data = %v", data)
	}
}

func TestStartSessionResponses(t *testing.T) {
	ts := newTestServer(nil)

	ts.seminar.start = &models.StartOutcome{Status: models.SessionStatusWaiting, ReasonCode: models.ReasonCapacity, Retryable: true}
	if rec := ts.do(http.MethodPost, "/api/v1/sessions/"+sessionID+"/start", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("waiting status = %d", rec.Code)
	}

	ts.seminar.start = &models.StartOutcome{Status: models.SessionStatusBooked, ReasonCode: models.ReasonOutsideWindow}
	rec := ts.do(http.MethodPost, "/api/v1/sessions/"+sessionID+"/start", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("outside window status = %d", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "outside_window" {
		t.Fatal("reason code missing from refusal")
	}
}

func TestClientCompletionPendingIs202(t *testing.T) {
	ts := newTestServer(nil)
	body := []byte(`{"status":"ended","duration_seconds":600}`)
	rec := ts.do(http.MethodPost, "/api/v1/sessions/"+sessionID+"/client-completion", body, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = ts.do(http.MethodPost, "/api/v1/sessions/"+sessionID+"/client-completion", []byte(`{"status":"ended","extra":1}`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d", rec.Code)
	}
}

func TestVoiceWebhook(t *testing.T) {
	ts := newTestServer(nil)
	body := []byte(`{"type":"session.ended","data":{"conversation_id":"conv-1","session_id":"` + sessionID + `","status":"done","call_duration_secs":840}}`)

	rec := ts.do(http.MethodPost, "/api/v1/webhooks/voice", body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned status = %d", rec.Code)
	}

	bad := http.Header{SignatureHeader: {ts.verifier.Sign([]byte("other"), time.Now())}}
	if rec := ts.do(http.MethodPost, "/api/v1/webhooks/voice", body, bad); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature status = %d", rec.Code)
	}
	if len(ts.completion.completed) != 0 {
		t.Fatal("unverified webhook reached the service")
	}

	good := http.Header{SignatureHeader: {ts.verifier.Sign(body, time.Now())}}
	rec = ts.do(http.MethodPost, "/api/v1/webhooks/voice", body, good)
	if rec.Code != http.StatusOK {
		t.Fatalf("signed status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(ts.completion.completed) != 1 || ts.completion.completed[0] != "conv-1:done:840" {
		t.Fatalf("completed = %v", ts.completion.completed)
	}
	if len(ts.seminar.attached) != 1 || ts.seminar.attached[0] != sessionID+"=conv-1" {
		t.Fatalf("attached = %v", ts.seminar.attached)
	}
}

func TestVoiceWebhookSessionStarted(t *testing.T) {
	ts := newTestServer(nil)
	body := []byte(`{"type":"session.started","data":{"conversation_id":"conv-9","session_id":"` + otherSession + `"}}`)
	header := http.Header{SignatureHeader: {ts.verifier.Sign(body, time.Now())}}

	rec := ts.do(http.MethodPost, "/api/v1/webhooks/voice", body, header)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(ts.seminar.attached) != 1 || ts.seminar.attached[0] != otherSession+"=conv-9" {
		t.Fatalf("attached = %v", ts.seminar.attached)
	}
	if len(ts.completion.completed) != 0 {
		t.Fatal("session.started must not complete")
	}
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("dial tcp: refused") },
	})

	rec := ts.do(http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	services := body["services"].(map[string]interface{})
	if body["status"] != "degraded" || services["redis"] != "unhealthy" || services["database"] != "healthy" {
		t.Fatalf("body = %v", body)
	}
}

func TestGetReviewNotFound(t *testing.T) {
	ts := newTestServer(nil)
	if rec := ts.do(http.MethodGet, "/api/v1/submissions/"+submissionID+"/review", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestPathIDMustBeUUID(t *testing.T) {
	ts := newTestServer(nil)
	for _, path := range []string{
		"/api/v1/sessions/not-a-uuid/start",
		"/api/v1/submissions/42/review",
		"/api/v1/slots/slot-a/bookings",
	} {
		rec := ts.do(http.MethodPost, path, []byte(`{}`), nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", path, rec.Code)
		}
	}
}

func TestVoiceWebhookUnknownEndStatusIsAcked(t *testing.T) {
	ts := newTestServer(nil)
	ts.completion.err = fmt.Errorf("%w: unknown completion status \"archived\"", service.ErrInvalidInput)
	body := []byte(`{"type":"session.ended","data":{"conversation_id":"conv-1","status":"archived"}}`)
	header := http.Header{SignatureHeader: {ts.verifier.Sign(body, time.Now())}}

	rec := ts.do(http.MethodPost, "/api/v1/webhooks/voice", body, header)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	data := decodeBody(t, rec)["data"].(map[string]interface{})
	if data["status"] != "ignored" {
		t.Fatalf("data = %v", data)
	}
}
