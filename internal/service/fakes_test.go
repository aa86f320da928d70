package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Edwinexd/vival/internal/models"
	"github.com/Edwinexd/vival/internal/repository"
	"github.com/Edwinexd/vival/internal/service/integration"
)

var testLogger = zerolog.Nop()

// store is an in-memory stand-in for Postgres that applies the same guarded
// transitions as the SQL repositories.
type store struct {
	mu          sync.Mutex
	submissions map[string]*models.Submission
	slots       map[string]*models.SeminarSlot
	sessions    map[string]*models.SeminarSession
	reviews     map[string][]models.Review
	grades      map[string]*models.AIGrade

	finalizeCalls int
	saveErr       error
}

func newStore() *store {
	return &store{
		submissions: map[string]*models.Submission{},
		slots:       map[string]*models.SeminarSlot{},
		sessions:    map[string]*models.SeminarSession{},
		reviews:     map[string][]models.Review{},
		grades:      map[string]*models.AIGrade{},
	}
}

func (s *store) submission(id string) models.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.submissions[id]
}

func (s *store) session(id string) models.SeminarSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.sessions[id]
}

type fakeSubmissionRepo struct{ *store }

func (r fakeSubmissionRepo) GetByID(_ context.Context, id string) (*models.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.submissions[id]
	if !ok {
		return nil, nil
	}
	cp := *sub
	return &cp, nil
}

func (r fakeSubmissionRepo) ListByStudent(_ context.Context, studentID string) ([]models.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Submission
	for _, sub := range r.submissions {
		if sub.StudentID == studentID {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (r fakeSubmissionRepo) TransitionStatus(_ context.Context, id string, from []models.SubmissionStatus, to models.SubmissionStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.submissions[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if sub.Status == f {
			sub.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (r fakeSubmissionRepo) Ping(context.Context) error { return nil }

type fakeSlotRepo struct{ *store }

func (r fakeSlotRepo) GetByID(_ context.Context, id string) (*models.SeminarSlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.slots[id]
	if !ok {
		return nil, nil
	}
	cp := *slot
	return &cp, nil
}

type fakeSessionRepo struct{ *store }

func (r fakeSessionRepo) GetByID(_ context.Context, id string) (*models.SeminarSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (r fakeSessionRepo) GetByConversationID(_ context.Context, conversationID string) (*models.SeminarSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sess := range r.sessions {
		if sess.ConversationID != nil && *sess.ConversationID == conversationID {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, nil
}

func (r fakeSessionRepo) List(_ context.Context, status string, limit, offset int) ([]models.SeminarSession, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SeminarSession
	for _, sess := range r.sessions {
		if status == "" || sess.Status.String() == status {
			out = append(out, *sess)
		}
	}
	return out, len(out), nil
}

func (r fakeSessionRepo) CreateBooking(_ context.Context, session *models.SeminarSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.slots[session.SlotID]
	if !ok {
		return repository.ErrRecordNotFound
	}
	booked := 0
	for _, sess := range r.sessions {
		if sess.SlotID == slot.ID && sess.Status.CountsTowardCapacity() {
			booked++
		}
	}
	if booked >= slot.MaxConcurrent {
		return repository.ErrCapacityReached
	}
	sub := r.submissions[session.SubmissionID]
	if sub == nil || sub.Status != models.SubmissionStatusReviewed {
		return repository.ErrStateChanged
	}
	cp := *session
	r.sessions[session.ID] = &cp
	sub.Status = models.SubmissionStatusSeminarPending
	return nil
}

func (r fakeSessionRepo) transition(id string, to models.SessionStatus, from []models.SessionStatus, apply func(*models.SeminarSession)) bool {
	sess, ok := r.sessions[id]
	if !ok {
		return false
	}
	for _, f := range from {
		if sess.Status == f {
			sess.Status = to
			if apply != nil {
				apply(sess)
			}
			return true
		}
	}
	return false
}

func (r fakeSessionRepo) MarkWaiting(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transition(id, models.SessionStatusWaiting, models.TransitionSources(models.SessionStatusWaiting), nil), nil
}

func (r fakeSessionRepo) MarkStarted(_ context.Context, id, holder string, startedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transition(id, models.SessionStatusInProgress, models.TransitionSources(models.SessionStatusInProgress), func(s *models.SeminarSession) {
		s.StartedAt = &startedAt
		s.LeaseHolder = &holder
	}), nil
}

func (r fakeSessionRepo) Finalize(_ context.Context, session *models.SeminarSession, outcome models.Outcome, target models.SubmissionStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalizeCalls++
	ok := r.transition(session.ID, outcome.Status, []models.SessionStatus{models.SessionStatusInProgress}, func(s *models.SeminarSession) {
		ended := outcome.EndedAt
		dur := outcome.DurationSeconds
		src := string(outcome.Source)
		s.EndedAt = &ended
		s.DurationSeconds = &dur
		s.EndSource = &src
		if outcome.Reason != "" {
			reason := outcome.Reason
			s.EndReason = &reason
		}
	})
	if ok {
		r.moveSubmission(session.SubmissionID, target)
	}
	return ok, nil
}

func (r fakeSessionRepo) MarkNoShow(_ context.Context, session *models.SeminarSession, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ok := r.transition(session.ID, models.SessionStatusNoShow, models.PendingBookingStatuses, func(s *models.SeminarSession) {
		s.EndedAt = &at
	})
	if ok {
		r.moveSubmission(session.SubmissionID, models.SubmissionStatusReviewed)
	}
	return ok, nil
}

func (r fakeSessionRepo) moveSubmission(id string, target models.SubmissionStatus) {
	if sub := r.submissions[id]; sub != nil && sub.Status == models.SubmissionStatusSeminarPending {
		sub.Status = target
	}
}

func (r fakeSessionRepo) ListExpiredBookings(_ context.Context, now time.Time) ([]models.SeminarSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SeminarSession
	for _, sess := range r.sessions {
		slot := r.slots[sess.SlotID]
		if (sess.Status == models.SessionStatusBooked || sess.Status == models.SessionStatusWaiting) && slot.EndsAt.Before(now) {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (r fakeSessionRepo) ListStaleInProgress(_ context.Context, startedBefore time.Time) ([]models.SeminarSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SeminarSession
	for _, sess := range r.sessions {
		if sess.Status == models.SessionStatusInProgress && sess.StartedAt != nil && sess.StartedAt.Before(startedBefore) {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (r fakeSessionRepo) AttachConversation(_ context.Context, id, conversationID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok || sess.Status.IsTerminal() {
		return false, nil
	}
	if sess.ConversationID != nil && *sess.ConversationID != conversationID {
		return false, nil
	}
	sess.ConversationID = &conversationID
	return true, nil
}

func (r fakeSessionRepo) SaveCapture(_ context.Context, id string, transcript json.RawMessage, recordingKey *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return errors.New("no session")
	}
	if transcript != nil {
		sess.Transcript = transcript
	}
	if recordingKey != nil {
		sess.RecordingKey = recordingKey
	}
	return nil
}

type fakeReviewRepo struct{ *store }

func (r fakeReviewRepo) GetLatestBySubmission(_ context.Context, submissionID string) (*models.Review, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.reviews[submissionID]
	if len(list) == 0 {
		return nil, nil
	}
	latest := list[len(list)-1]
	return &latest, nil
}

func (r fakeReviewRepo) ExistsForSubmission(_ context.Context, submissionID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reviews[submissionID]) > 0, nil
}

func (r fakeReviewRepo) CreateAndMarkReviewed(_ context.Context, review *models.Review) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	sub := r.submissions[review.SubmissionID]
	if sub == nil || sub.Status != models.SubmissionStatusReviewing {
		return repository.ErrStateChanged
	}
	sub.Status = models.SubmissionStatusReviewed
	r.reviews[review.SubmissionID] = append(r.reviews[review.SubmissionID], *review)
	return nil
}

type fakeGradeRepo struct{ *store }

func (r fakeGradeRepo) GetBySessionID(_ context.Context, sessionID string) (*models.AIGrade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.grades[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (r fakeGradeRepo) Claim(_ context.Context, id, sessionID string, staleBefore time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.grades[sessionID]
	if !ok {
		r.grades[sessionID] = &models.AIGrade{ID: id, SessionID: sessionID, Status: models.GradeStatusInProgress, UpdatedAt: time.Now()}
		return true, nil
	}
	switch {
	case g.Status == models.GradeStatusPending, g.Status == models.GradeStatusFailed,
		g.Status == models.GradeStatusInProgress && g.UpdatedAt.Before(staleBefore):
		g.Status = models.GradeStatusInProgress
		g.ErrorMessage = nil
		g.UpdatedAt = time.Now()
		return true, nil
	}
	return false, nil
}

func (r fakeGradeRepo) SaveResult(_ context.Context, grade *models.AIGrade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.grades[grade.SessionID]
	if !ok {
		return errors.New("no grade row")
	}
	if g.Status != models.GradeStatusInProgress {
		return repository.ErrStateChanged
	}
	id := g.ID
	*g = *grade
	g.ID = id
	g.UpdatedAt = time.Now()
	return nil
}

// fakeGate is an in-memory semaphore with the same holder semantics as
// the Redis one, minus expiry.
type fakeGate struct {
	mu       sync.Mutex
	leases   map[string]map[string]bool
	releases int
	err      error
}

func newFakeGate() *fakeGate {
	return &fakeGate{leases: map[string]map[string]bool{}}
}

func (g *fakeGate) TryAcquire(_ context.Context, resourceID, holderID string, max int) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return false, g.err
	}
	held := g.leases[resourceID]
	if held == nil {
		held = map[string]bool{}
		g.leases[resourceID] = held
	}
	if held[holderID] {
		return true, nil
	}
	if len(held) >= max {
		return false, nil
	}
	held[holderID] = true
	return true, nil
}

func (g *fakeGate) Release(_ context.Context, resourceID, holderID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releases++
	if !g.leases[resourceID][holderID] {
		return false, nil
	}
	delete(g.leases[resourceID], holderID)
	return true, nil
}

func (g *fakeGate) Extend(_ context.Context, resourceID, holderID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leases[resourceID][holderID], nil
}

func (g *fakeGate) Count(_ context.Context, resourceID string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.leases[resourceID]), nil
}

func (g *fakeGate) holds(resourceID, holderID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leases[resourceID][holderID]
}

func (g *fakeGate) releaseCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.releases
}

type fakeLLM struct {
	mu    sync.Mutex
	calls int
	// respond is called with the request; nil falls back to resp/err.
	respond func(req integration.CompletionRequest) (*integration.CompletionResponse, error)
	resp    *integration.CompletionResponse
	err     error
}

func (f *fakeLLM) Complete(_ context.Context, req integration.CompletionRequest) (*integration.CompletionResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(req)
	}
	return f.resp, f.err
}

func (f *fakeLLM) Model() string { return "test-model" }

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeVoice struct {
	signedURL    string
	signedErr    error
	onSignedURL  func() (string, error)
	conversation *integration.Conversation
	convErr      error
	audio        []byte
	audioErr     error
}

func (f *fakeVoice) GetSignedURL(context.Context) (string, error) {
	if f.onSignedURL != nil {
		return f.onSignedURL()
	}
	return f.signedURL, f.signedErr
}

func (f *fakeVoice) GetConversation(_ context.Context, conversationID string) (*integration.Conversation, error) {
	if f.convErr != nil {
		return nil, f.convErr
	}
	if f.conversation == nil {
		return nil, integration.ErrConversationNotFound
	}
	cp := *f.conversation
	cp.ID = conversationID
	return &cp, nil
}

func (f *fakeVoice) GetAudio(context.Context, string) (io.ReadCloser, int64, error) {
	if f.audioErr != nil {
		return nil, 0, f.audioErr
	}
	return io.NopCloser(bytes.NewReader(f.audio)), int64(len(f.audio)), nil
}

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: map[string][]byte{}}
}

func (f *fakeStorage) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeStorage) PresignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://storage.test/" + key + "?sig=x", nil
}

func (f *fakeStorage) Ping(context.Context) error { return nil }

type fakeDispatcher struct {
	mu       sync.Mutex
	sessions []string
}

func (f *fakeDispatcher) DispatchGrading(_ context.Context, sessionID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, sessionID)
	return nil
}

func (f *fakeDispatcher) dispatched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sessions...)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func ptr[T any](v T) *T { return &v }
