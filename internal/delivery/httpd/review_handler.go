package httpd

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Edwinexd/vival/pkg/utils"
)

func (h *Handler) RunReview(w http.ResponseWriter, r *http.Request) {
	submissionID := chi.URLParam(r, "id")

	out, err := h.reviewService.RunReview(r.Context(), submissionID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	if !out.Ran {
		writeRefusal(w, refusalStatus(out.ReasonCode, out.Retryable), out.ReasonCode, out.Reason, out)
		return
	}

	utils.SuccessResponse(w, http.StatusCreated, out)
}

func (h *Handler) GetReview(w http.ResponseWriter, r *http.Request) {
	review, err := h.reviewService.GetReview(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	utils.SuccessResponse(w, http.StatusOK, review)
}

func (h *Handler) CanRunReview(w http.ResponseWriter, r *http.Request) {
	avail, err := h.reviewService.CanRunReview(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	utils.SuccessResponse(w, http.StatusOK, avail)
}
