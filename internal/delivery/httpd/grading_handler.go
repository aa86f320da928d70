package httpd

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Edwinexd/vival/pkg/utils"
)

func (h *Handler) GetGrade(w http.ResponseWriter, r *http.Request) {
	grade, err := h.gradingService.GetGrade(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	utils.SuccessResponse(w, http.StatusOK, grade)
}

func (h *Handler) RunGrading(w http.ResponseWriter, r *http.Request) {
	grade, err := h.gradingService.RunGrading(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	utils.SuccessResponse(w, http.StatusOK, grade)
}

func (h *Handler) RetryGrading(w http.ResponseWriter, r *http.Request) {
	grade, err := h.gradingService.RetryGrading(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	utils.SuccessResponse(w, http.StatusOK, grade)
}
