package httpd

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Edwinexd/vival/internal/models"
	"github.com/Edwinexd/vival/internal/service"
	"github.com/Edwinexd/vival/internal/service/integration"
	"github.com/Edwinexd/vival/pkg/utils"
)

const (
	SignatureHeader     = "X-Voice-Signature"
	maxWebhookBodyBytes = 1 << 20
)

func (h *Handler) ReportClientCompletion(w http.ResponseWriter, r *http.Request) {
	var req models.ClientCompletionRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.completionService.ReportClientCompletion(r.Context(), chi.URLParam(r, "id"), req.Status, req.DurationSeconds)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	status := http.StatusOK
	if res.Pending {
		status = http.StatusAccepted
	}
	utils.SuccessResponse(w, status, res)
}

func (h *Handler) GetRecording(w http.ResponseWriter, r *http.Request) {
	url, err := h.completionService.RecordingURL(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	utils.SuccessResponse(w, http.StatusOK, map[string]string{"url": url})
}

// VoiceWebhook accepts signed session lifecycle events from the voice
// provider. It is the authoritative completion signal.
func (h *Handler) VoiceWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		utils.ErrorResponse(w, http.StatusBadRequest, "invalid_request", "failed to read body")
		return
	}

	if err := h.webhookVerifier.Verify(r.Header.Get(SignatureHeader), body); err != nil {
		h.logger.Warn().Err(err).Str("ip", r.RemoteAddr).Msg("Rejected voice webhook")
		utils.ErrorResponse(w, http.StatusUnauthorized, "invalid_signature", err.Error())
		return
	}

	event, err := integration.ParseWebhookEvent(body)
	if err != nil {
		utils.ErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if event.Data.ConversationID == "" {
		utils.ErrorResponse(w, http.StatusBadRequest, "invalid_request", "conversation_id is required")
		return
	}
	if event.Data.SessionID != "" && !utils.ValidateUUID(event.Data.SessionID) {
		utils.ErrorResponse(w, http.StatusBadRequest, "invalid_request", "invalid session_id")
		return
	}

	log := h.logger.With().
		Str("event", event.Type).
		Str("conversation_id", event.Data.ConversationID).
		Str("session_id", event.Data.SessionID).
		Logger()

	switch event.Type {
	case integration.WebhookEventSessionStarted:
		if event.Data.SessionID == "" {
			utils.ErrorResponse(w, http.StatusBadRequest, "invalid_request", "session_id is required")
			return
		}
		if err := h.seminarService.AttachConversation(r.Context(), event.Data.SessionID, event.Data.ConversationID); err != nil {
			h.handleServiceError(w, err)
			return
		}
		utils.SuccessResponse(w, http.StatusOK, map[string]string{"status": "attached"})

	case integration.WebhookEventSessionEnded:
		if event.Data.SessionID != "" {
			// The client may never have reported the conversation id.
			err := h.seminarService.AttachConversation(r.Context(), event.Data.SessionID, event.Data.ConversationID)
			if err != nil && !errors.Is(err, service.ErrInvalidState) {
				log.Warn().Err(err).Msg("Could not attach conversation before completion")
			}
		}

		res, err := h.completionService.CompleteSession(r.Context(), event.Data.ConversationID, event.Data.Status, event.Data.CallDurationSecs)
		if errors.Is(err, service.ErrInvalidInput) {
			// Acknowledged so the provider stops redelivering; the client
			// report or the stale reaper settles the session.
			log.Warn().Err(err).Str("status", event.Data.Status).Msg("Ignoring session end with unknown status")
			utils.SuccessResponse(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		if err != nil {
			h.handleServiceError(w, err)
			return
		}
		log.Info().Bool("finalized", res.Finalized).Str("status", res.Status.String()).Msg("Voice webhook handled")
		utils.SuccessResponse(w, http.StatusOK, res)

	default:
		log.Debug().Msg("Ignoring voice webhook event")
		utils.SuccessResponse(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}
