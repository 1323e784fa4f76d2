package forms

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/stockline/internal/allocation"
	"github.com/odyssey-erp/stockline/internal/drafts"
	"github.com/odyssey-erp/stockline/internal/platform/httpx"
	"github.com/odyssey-erp/stockline/internal/platform/validation"
	"github.com/odyssey-erp/stockline/internal/reconcile"
	"github.com/odyssey-erp/stockline/internal/records"
)

// Handler exposes form sessions over JSON.
type Handler struct {
	service   *Service
	logger    *slog.Logger
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger, validator: validation.New()}
}

func (h *Handler) openSession(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if !h.decode(w, r, &req) {
		return
	}
	strategy, err := allocation.ParseStrategy(req.Strategy)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	form, err := h.service.Open(r.Context(), OpenRequest{
		Kind:           Kind(req.Kind),
		SourceID:       req.SourceID,
		DraftID:        req.DraftID,
		BusinessUnitID: req.BusinessUnitID,
		LocationID:     req.LocationID,
		Strategy:       strategy,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondSession(w, r, form, http.StatusCreated)
}

func (h *Handler) showSession(w http.ResponseWriter, r *http.Request) {
	form, ok := h.form(w, r)
	if !ok {
		return
	}
	h.respondSession(w, r, form, http.StatusOK)
}

func (h *Handler) discardSession(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Discard(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) addLines(w http.ResponseWriter, r *http.Request) {
	form, ok := h.form(w, r)
	if !ok {
		return
	}
	var req addLinesRequest
	if !h.decode(w, r, &req) {
		return
	}
	inputs := req.inputs()
	if len(inputs) == 0 {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, "line or lines required", nil))
		return
	}
	lines := make([]reconcile.NewLine, 0, len(inputs))
	for _, in := range inputs {
		lines = append(lines, in.toNewLine())
	}
	ids, err := form.Session().AddLines(r.Context(), lines)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.service.Autosave(r.Context(), form)
	snap, err := form.Session().Snapshot(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, addLinesResponse{LineIDs: ids, Session: newSessionResponse(form, snap)})
}

func (h *Handler) scan(w http.ResponseWriter, r *http.Request) {
	form, ok := h.form(w, r)
	if !ok {
		return
	}
	var req scanRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, err := form.Session().Scan(r.Context(), req.ProductRef); err != nil {
		h.fail(w, r, err)
		return
	}
	h.service.Autosave(r.Context(), form)
	h.respondSession(w, r, form, http.StatusOK)
}

func (h *Handler) patchLine(w http.ResponseWriter, r *http.Request) {
	form, ok := h.form(w, r)
	if !ok {
		return
	}
	var req patchLineRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := form.Session().ApplyPatch(r.Context(), chi.URLParam(r, "lineID"), req.patch()); err != nil {
		h.fail(w, r, err)
		return
	}
	h.service.Autosave(r.Context(), form)
	h.respondSession(w, r, form, http.StatusOK)
}

func (h *Handler) removeLine(w http.ResponseWriter, r *http.Request) {
	form, ok := h.form(w, r)
	if !ok {
		return
	}
	if err := form.Session().RemoveLine(r.Context(), chi.URLParam(r, "lineID")); err != nil {
		h.fail(w, r, err)
		return
	}
	h.service.Autosave(r.Context(), form)
	h.respondSession(w, r, form, http.StatusOK)
}

func (h *Handler) retryLine(w http.ResponseWriter, r *http.Request) {
	form, ok := h.form(w, r)
	if !ok {
		return
	}
	if err := form.Session().Retry(r.Context(), chi.URLParam(r, "lineID")); err != nil {
		h.fail(w, r, err)
		return
	}
	h.service.Autosave(r.Context(), form)
	h.respondSession(w, r, form, http.StatusAccepted)
}

func (h *Handler) setSource(w http.ResponseWriter, r *http.Request) {
	form, ok := h.form(w, r)
	if !ok {
		return
	}
	var req sourceRequest
	if !h.decode(w, r, &req) {
		return
	}
	strategy, err := allocation.ParseStrategy(req.Strategy)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	err = form.Session().SetSource(r.Context(), reconcile.Source{
		BusinessUnitID: req.BusinessUnitID,
		LocationID:     req.LocationID,
		Strategy:       strategy,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.service.Autosave(r.Context(), form)
	h.respondSession(w, r, form, http.StatusOK)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	wait := r.URL.Query().Get("wait") == "1"
	rec, err := h.service.Submit(r.Context(), chi.URLParam(r, "id"), wait)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rec)
}

func (h *Handler) form(w http.ResponseWriter, r *http.Request) (*Form, bool) {
	form, err := h.service.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	return form, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, "invalid request", validation.FieldErrors(err)))
		return false
	}
	return true
}

func (h *Handler) respondSession(w http.ResponseWriter, r *http.Request, form *Form, status int) {
	snap, err := form.Session().Snapshot(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, status, newSessionResponse(form, snap))
}

// fail translates domain errors into problem responses.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *reconcile.SubmitValidationError
	switch {
	case errors.As(err, &invalid):
		httpx.RespondError(w, httpx.Wrap(httpx.ErrUnprocessable, "form cannot be submitted", invalid.Issues))
	case errors.Is(err, ErrSessionNotFound),
		errors.Is(err, reconcile.ErrLineNotFound),
		errors.Is(err, records.ErrNotFound),
		errors.Is(err, drafts.ErrNotFound):
		httpx.RespondError(w, httpx.Wrap(httpx.ErrNotFound, err.Error(), nil))
	case errors.Is(err, records.ErrDuplicate):
		httpx.RespondError(w, httpx.Wrap(httpx.ErrDuplicate, "form already submitted", nil))
	case errors.Is(err, ErrInvalidKind),
		errors.Is(err, ErrMissingSource),
		errors.Is(err, ErrMissingLocation),
		errors.Is(err, reconcile.ErrInvalidQuantity),
		errors.Is(err, reconcile.ErrInvalidDiscount),
		errors.Is(err, reconcile.ErrEmptyProduct),
		errors.Is(err, records.ErrInvalidKind),
		errors.Is(err, allocation.ErrUnknownStrategy):
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, err.Error(), nil))
	case errors.Is(err, reconcile.ErrNotRetryable),
		errors.Is(err, reconcile.ErrSessionClosed),
		errors.Is(err, records.ErrLineConflict),
		errors.Is(err, ErrDraftsDisabled):
		httpx.RespondError(w, httpx.Wrap(httpx.ErrConflict, err.Error(), nil))
	case errors.Is(err, context.DeadlineExceeded):
		httpx.RespondError(w, httpx.Wrap(httpx.ErrUnavailable, "allocations still pending", nil))
	default:
		h.logger.Error("form request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
