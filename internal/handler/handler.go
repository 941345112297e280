// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the lending engine.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"liblending/internal/engine"
	"liblending/internal/model"
)

// LendingHandler holds all HTTP handlers for the lending API.
type LendingHandler struct {
	eng      *engine.Engine
	validate *validator.Validate
	log      *slog.Logger
}

// New constructs a LendingHandler.
func New(eng *engine.Engine, log *slog.Logger) *LendingHandler {
	return &LendingHandler{
		eng:      eng,
		validate: validator.New(),
		log:      log,
	}
}

// Routes mounts every engine operation on a chi router.
func (h *LendingHandler) Routes(r chi.Router) {
	r.Route("/books", func(r chi.Router) {
		r.Get("/", h.ListBooks)
		r.Put("/{id}", h.SyncBook)
		r.Get("/{id}", h.GetBook)
		r.Get("/{id}/reservations", h.BookQueue)
	})
	r.Route("/borrows", func(r chi.Router) {
		r.Post("/", h.RequestBorrow)
		r.Get("/pending", h.PendingBorrows)
		r.Get("/{id}", h.GetBorrow)
		r.Post("/{id}/approve", h.ApproveBorrow)
		r.Post("/{id}/reject", h.RejectBorrow)
		r.Post("/{id}/return", h.ReturnBorrow)
	})
	r.Route("/reservations", func(r chi.Router) {
		r.Post("/", h.ReserveBook)
		r.Delete("/{id}", h.CancelReservation)
	})
	r.Route("/users", func(r chi.Router) {
		r.Get("/{id}/borrows", h.UserBorrows)
		r.Get("/{id}/fines", h.UserFines)
	})
	r.Post("/fines/{id}/pay", h.PayFine)
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}

func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeEngineError maps the engine's error taxonomy to HTTP statuses.
// Anything outside the taxonomy is an internal failure: logged, surfaced
// as 500, never retried here since the engine has already rolled back.
func (h *LendingHandler) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrUserNotApproved):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, engine.ErrInvalidState),
		errors.Is(err, engine.ErrNoCopyAvailable),
		errors.Is(err, engine.ErrDuplicateActiveBorrow),
		errors.Is(err, engine.ErrCopyAvailable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.log.Error("engine operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// ─── Books ────────────────────────────────────────────────────────────────────

// SyncBookRequest is the catalog collaborator's payload for PUT /books/{id}.
type SyncBookRequest struct {
	Title       string `json:"title" validate:"required"`
	TotalCopies int    `json:"total_copies" validate:"gte=0"`
}

// SyncBook handles PUT /books/{id}: create or update a title's catalog data.
func (h *LendingHandler) SyncBook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req SyncBookRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	book, err := h.eng.SyncBook(r.Context(), id, req.Title, req.TotalCopies)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// ListBooks handles GET /books.
func (h *LendingHandler) ListBooks(w http.ResponseWriter, r *http.Request) {
	books := h.eng.Books()
	if books == nil {
		books = []model.Book{}
	}
	writeJSON(w, http.StatusOK, books)
}

// GetBook handles GET /books/{id}: the engine's availability snapshot.
func (h *LendingHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	book, err := h.eng.Book(chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// BookQueue handles GET /books/{id}/reservations: the ACTIVE queue in
// fulfilment order.
func (h *LendingHandler) BookQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := h.eng.BookQueue(chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if queue == nil {
		queue = []model.Reservation{}
	}
	writeJSON(w, http.StatusOK, queue)
}

// ─── Borrows ──────────────────────────────────────────────────────────────────

// BorrowRequest is the payload for POST /borrows.
type BorrowRequest struct {
	UserID string `json:"user_id" validate:"required"`
	BookID string `json:"book_id" validate:"required"`
}

// RequestBorrow handles POST /borrows: a user asks to check out a copy.
func (h *LendingHandler) RequestBorrow(w http.ResponseWriter, r *http.Request) {
	var req BorrowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.eng.Request(r.Context(), req.UserID, req.BookID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// PendingBorrows handles GET /borrows/pending for the approval surface.
func (h *LendingHandler) PendingBorrows(w http.ResponseWriter, r *http.Request) {
	recs := h.eng.PendingBorrows()
	if recs == nil {
		recs = []model.BorrowRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// GetBorrow handles GET /borrows/{id}.
func (h *LendingHandler) GetBorrow(w http.ResponseWriter, r *http.Request) {
	rec, err := h.eng.Borrow(chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ApproveBorrow handles POST /borrows/{id}/approve.
func (h *LendingHandler) ApproveBorrow(w http.ResponseWriter, r *http.Request) {
	rec, err := h.eng.Approve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// RejectBorrow handles POST /borrows/{id}/reject.
func (h *LendingHandler) RejectBorrow(w http.ResponseWriter, r *http.Request) {
	rec, err := h.eng.Reject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ReturnBorrow handles POST /borrows/{id}/return. The response carries the
// closed record plus any fine created and any reservation promoted.
func (h *LendingHandler) ReturnBorrow(w http.ResponseWriter, r *http.Request) {
	result, err := h.eng.Return(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// UserBorrows handles GET /users/{id}/borrows, with ?open=true restricting
// to PENDING/ACTIVE/OVERDUE records.
func (h *LendingHandler) UserBorrows(w http.ResponseWriter, r *http.Request) {
	openOnly := r.URL.Query().Get("open") == "true"
	recs := h.eng.UserBorrows(chi.URLParam(r, "id"), openOnly)
	if recs == nil {
		recs = []model.BorrowRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// ─── Reservations ─────────────────────────────────────────────────────────────

// ReserveRequest is the payload for POST /reservations.
type ReserveRequest struct {
	UserID string `json:"user_id" validate:"required"`
	BookID string `json:"book_id" validate:"required"`
}

// ReserveBook handles POST /reservations: queue for the next free copy of
// a title with none available.
func (h *LendingHandler) ReserveBook(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.eng.Reserve(r.Context(), req.UserID, req.BookID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// CancelReservation handles DELETE /reservations/{id}.
func (h *LendingHandler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.eng.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ─── Fines ────────────────────────────────────────────────────────────────────

// UserFines handles GET /users/{id}/fines, with ?unpaid=true restricting to
// outstanding fines.
func (h *LendingHandler) UserFines(w http.ResponseWriter, r *http.Request) {
	unpaidOnly := r.URL.Query().Get("unpaid") == "true"
	fines := h.eng.UserFines(chi.URLParam(r, "id"), unpaidOnly)
	if fines == nil {
		fines = []model.Fine{}
	}
	writeJSON(w, http.StatusOK, fines)
}

// PayFine handles POST /fines/{id}/pay: the payment collaborator records a
// settled fine.
func (h *LendingHandler) PayFine(w http.ResponseWriter, r *http.Request) {
	fine, err := h.eng.PayFine(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fine)
}

// ─── Health check ─────────────────────────────────────────────────────────────

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
