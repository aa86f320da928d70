package httpd

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Edwinexd/vival/internal/models"
	"github.com/Edwinexd/vival/pkg/utils"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func (h *Handler) ListStudentSubmissions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.seminarService.ListStudentSubmissions(r.Context(), chi.URLParam(r, "student_id"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	utils.SuccessResponse(w, http.StatusOK, subs)
}

func (h *Handler) BookSlot(w http.ResponseWriter, r *http.Request) {
	var req models.BookSlotRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !utils.ValidateUUID(req.SubmissionID) {
		utils.ErrorResponse(w, http.StatusBadRequest, "invalid_request", "submission_id must be a UUID")
		return
	}

	out, err := h.seminarService.BookSlot(r.Context(), req.SubmissionID, chi.URLParam(r, "slot_id"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	if !out.Booked {
		writeRefusal(w, refusalStatus(out.ReasonCode, out.Retryable), out.ReasonCode, out.Reason, out)
		return
	}

	utils.SuccessResponse(w, http.StatusCreated, out)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.seminarService.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	utils.SuccessResponse(w, http.StatusOK, session)
}

func (h *Handler) CanStart(w http.ResponseWriter, r *http.Request) {
	avail, err := h.seminarService.CanStart(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	utils.SuccessResponse(w, http.StatusOK, avail)
}

// StartSession answers 200 both for a started exam and for one queued as
// waiting; the client retries the latter.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	out, err := h.seminarService.StartSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	if !out.Started && out.Status != models.SessionStatusWaiting {
		writeRefusal(w, http.StatusConflict, out.ReasonCode, out.Reason, out)
		return
	}

	utils.SuccessResponse(w, http.StatusOK, out)
}

func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	extended, err := h.seminarService.ExtendLease(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	utils.SuccessResponse(w, http.StatusOK, map[string]bool{"extended": extended})
}

func (h *Handler) AttachConversation(w http.ResponseWriter, r *http.Request) {
	var req models.AttachConversationRequest
	if !h.decode(w, r, &req) {
		return
	}

	sessionID := chi.URLParam(r, "id")
	if err := h.seminarService.AttachConversation(r.Context(), sessionID, req.ConversationID); err != nil {
		h.handleServiceError(w, err)
		return
	}
	utils.SuccessResponse(w, http.StatusOK, map[string]string{
		"session_id":      sessionID,
		"conversation_id": req.ConversationID,
	})
}

func (h *Handler) ListSeminars(w http.ResponseWriter, r *http.Request) {
	limit := getIntQueryParam(r, "limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset := getIntQueryParam(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	resp, err := h.seminarService.ListSessions(r.Context(), r.URL.Query().Get("status"), limit, offset)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	utils.SuccessResponse(w, http.StatusOK, resp)
}

func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.seminarService.Sweep(r.Context())
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	utils.SuccessResponse(w, http.StatusOK, res)
}
