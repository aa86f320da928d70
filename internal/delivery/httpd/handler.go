package httpd

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/Edwinexd/vival/internal/models"
	"github.com/Edwinexd/vival/internal/service"
	"github.com/Edwinexd/vival/internal/service/integration"
	"github.com/Edwinexd/vival/pkg/utils"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	reviewService     service.ReviewService
	seminarService    service.SeminarService
	completionService service.CompletionService
	gradingService    service.GradingService
	webhookVerifier   *integration.WebhookVerifier
	healthChecks      map[string]HealthCheck
	logger            zerolog.Logger
}

func NewHandler(
	reviewService service.ReviewService,
	seminarService service.SeminarService,
	completionService service.CompletionService,
	gradingService service.GradingService,
	webhookVerifier *integration.WebhookVerifier,
	healthChecks map[string]HealthCheck,
	logger zerolog.Logger,
) *Handler {
	return &Handler{
		reviewService:     reviewService,
		seminarService:    seminarService,
		completionService: completionService,
		gradingService:    gradingService,
		webhookVerifier:   webhookVerifier,
		healthChecks:      healthChecks,
		logger:            logger,
	}
}

func (h *Handler) RegisterRoutes(router chi.Router) {
	router.Get("/health", h.HealthCheck)

	router.Route("/api/v1", func(api chi.Router) {
		api.Route("/submissions/{id}/review", func(r chi.Router) {
			r.Use(RequireUUIDParam("id"))
			r.Post("/", h.RunReview)
			r.Get("/", h.GetReview)
			r.Get("/availability", h.CanRunReview)
		})

		api.With(RequireUUIDParam("student_id")).Get("/students/{student_id}/submissions", h.ListStudentSubmissions)
		api.With(RequireUUIDParam("slot_id")).Post("/slots/{slot_id}/bookings", h.BookSlot)

		api.Route("/sessions/{id}", func(r chi.Router) {
			r.Use(RequireUUIDParam("id"))
			r.Get("/", h.GetSession)
			r.Get("/can-start", h.CanStart)
			r.Post("/start", h.StartSession)
			r.Post("/heartbeat", h.Heartbeat)
			r.Post("/conversation", h.AttachConversation)
			r.Post("/client-completion", h.ReportClientCompletion)
			r.Get("/recording", h.GetRecording)

			r.Get("/grading", h.GetGrade)
			r.Post("/grading", h.RunGrading)
			r.Post("/grading/retry", h.RetryGrading)
		})

		api.Post("/webhooks/voice", h.VoiceWebhook)

		api.Route("/admin/seminars", func(r chi.Router) {
			r.Get("/", h.ListSeminars)
			r.Post("/sweep", h.Sweep)
		})
	})
}

func getIntQueryParam(r *http.Request, key string, defaultValue int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

// handleServiceError maps service sentinels to HTTP statuses.
func (h *Handler) handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		utils.ErrorResponse(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, service.ErrInvalidInput):
		utils.ErrorResponse(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, service.ErrInvalidState):
		utils.ErrorResponse(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, service.ErrProviderFailure), errors.Is(err, service.ErrMalformedResponse):
		h.logger.Warn().Err(err).Msg("Upstream provider failed")
		utils.ErrorResponse(w, http.StatusBadGateway, "provider_failure", err.Error())
	default:
		h.logger.Error().Err(err).Msg("Request failed")
		utils.ErrorResponse(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

// refusalStatus picks the status code for an admission or precondition
// refusal carried in a typed outcome.
func refusalStatus(code models.ReasonCode, retryable bool) int {
	if code == models.ReasonCapacity && retryable {
		return http.StatusTooManyRequests
	}
	return http.StatusConflict
}

// writeRefusal keeps the error envelope and attaches the outcome so clients
// still see the reason code and concurrency counters.
func writeRefusal(w http.ResponseWriter, status int, code models.ReasonCode, reason string, outcome interface{}) {
	utils.WriteJSON(w, status, map[string]interface{}{
		"error":   string(code),
		"message": reason,
		"data":    outcome,
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := utils.ReadJSON(r, dst); err != nil {
		utils.ErrorResponse(w, http.StatusBadRequest, "invalid_request", "invalid request body: "+err.Error())
		return false
	}
	return true
}
