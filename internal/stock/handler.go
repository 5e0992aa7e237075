package stock

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/agrihub-erp/agrihub-erp/internal/observability"
	"github.com/agrihub-erp/agrihub-erp/internal/platform/httpx"
	"github.com/agrihub-erp/agrihub-erp/internal/shared"
)

// Handler wires the ledger endpoints. Payloads are parsed into typed
// request structs and validated before the core ever sees them; the
// upstream gateway authenticates callers and forwards the actor identity
// in X-Actor-* headers.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	queries  *QueryService
	metrics  *observability.Metrics
	validate *validator.Validate
}

// NewHandler constructs the stock handler.
func NewHandler(logger *slog.Logger, service *Service, queries *QueryService, metrics *observability.Metrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:   logger,
		service:  service,
		queries:  queries,
		metrics:  metrics,
		validate: validator.New(),
	}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/add", h.handleAdd)
	r.Post("/deduct", h.handleDeduct)
	r.Post("/reject", h.handleReject)
	r.Post("/transfer", h.handleTransfer)
	r.Post("/adjust", h.handleAdjust)
	r.Get("/branch/{branchID}", h.handleBranchStock)
	r.Get("/logs", h.handleLogs)
}

type lotPayload struct {
	Date int64 `json:"date" validate:"required,gt=0"`
	Qty  int64 `json:"qty" validate:"required,gt=0"`
}

type addRequest struct {
	BranchID   int64        `json:"branchId" validate:"required,gt=0"`
	ProductID  int64        `json:"productId" validate:"required,gt=0"`
	VarietyID  int64        `json:"varietyId" validate:"required,gt=0"`
	Quantity   int64        `json:"quantity" validate:"required,gt=0"`
	Lots       []lotPayload `json:"lots" validate:"required,min=1,dive"`
	Reason     string       `json:"reason" validate:"max=500"`
	RequestKey string       `json:"requestKey" validate:"max=128"`
}

type deductRequest struct {
	BranchID   int64        `json:"branchId" validate:"required,gt=0"`
	ProductID  int64        `json:"productId" validate:"required,gt=0"`
	VarietyID  int64        `json:"varietyId" validate:"required,gt=0"`
	Quantity   int64        `json:"quantity" validate:"required,gt=0"`
	Lots       []lotPayload `json:"lots" validate:"omitempty,min=1,dive"`
	Reason     string       `json:"reason" validate:"max=500"`
	RequestKey string       `json:"requestKey" validate:"max=128"`
}

type rejectRequest struct {
	BranchID   int64        `json:"branchId" validate:"required,gt=0"`
	ProductID  int64        `json:"productId" validate:"required,gt=0"`
	VarietyID  int64        `json:"varietyId" validate:"required,gt=0"`
	Quantity   int64        `json:"quantity" validate:"required,gt=0"`
	Lots       []lotPayload `json:"lots" validate:"required,min=1,dive"`
	Reason     string       `json:"reason" validate:"required,max=500"`
	RequestKey string       `json:"requestKey" validate:"max=128"`
}

type transferRequest struct {
	SourceBranchID int64        `json:"sourceBranchId" validate:"required,gt=0"`
	DestBranchID   int64        `json:"destBranchId" validate:"required,gt=0"`
	ProductID      int64        `json:"productId" validate:"required,gt=0"`
	VarietyID      int64        `json:"varietyId" validate:"required,gt=0"`
	Quantity       int64        `json:"quantity" validate:"required,gt=0"`
	Lots           []lotPayload `json:"lots" validate:"required,min=1,dive"`
	Reason         string       `json:"reason" validate:"max=500"`
	RequestKey     string       `json:"requestKey" validate:"max=128"`
}

type adjustRequest struct {
	BranchID  int64 `json:"branchId" validate:"required,gt=0"`
	ProductID int64 `json:"productId" validate:"required,gt=0"`
	VarietyID int64 `json:"varietyId" validate:"required,gt=0"`
	// pointer so a write-off to zero is distinguishable from an omitted field
	NewQuantity *int64       `json:"newQuantity" validate:"required,gte=0"`
	Lots        []lotPayload `json:"lots" validate:"omitempty,min=1,dive"`
	Reason      string       `json:"reason" validate:"required,max=500"`
	RequestKey  string       `json:"requestKey" validate:"max=128"`
}

func (h *Handler) handleAdd(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req addRequest
	if !h.decode(w, r, &req) {
		return
	}
	lots := toLots(req.Lots)
	if sumLots(lots) != req.Quantity {
		httpx.RespondError(w, fmt.Errorf("%w: lot quantities must sum to quantity", httpx.ErrValidation))
		return
	}
	result, err := h.service.Add(r.Context(), actor, AddInput{
		Key:        Key{BranchID: req.BranchID, ProductID: req.ProductID, VarietyID: req.VarietyID},
		Quantity:   req.Quantity,
		Lots:       lots,
		Reason:     req.Reason,
		RequestKey: req.RequestKey,
	})
	h.finishMutation(w, r, "add", result, err)
}

func (h *Handler) handleDeduct(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req deductRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.Deduct(r.Context(), actor, DeductInput{
		Key:        Key{BranchID: req.BranchID, ProductID: req.ProductID, VarietyID: req.VarietyID},
		Quantity:   req.Quantity,
		Lots:       toLots(req.Lots),
		Reason:     req.Reason,
		RequestKey: req.RequestKey,
	})
	h.finishMutation(w, r, "deduct", result, err)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if !h.decode(w, r, &req) {
		return
	}
	lots := toLots(req.Lots)
	if sumLots(lots) != req.Quantity {
		httpx.RespondError(w, fmt.Errorf("%w: lot quantities must sum to quantity", httpx.ErrValidation))
		return
	}
	result, err := h.service.Reject(r.Context(), actor, RejectInput{
		Key:        Key{BranchID: req.BranchID, ProductID: req.ProductID, VarietyID: req.VarietyID},
		Quantity:   req.Quantity,
		Lots:       lots,
		Reason:     req.Reason,
		RequestKey: req.RequestKey,
	})
	h.finishMutation(w, r, "reject", result, err)
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.Transfer(r.Context(), actor, TransferInput{
		SourceBranchID: req.SourceBranchID,
		DestBranchID:   req.DestBranchID,
		ProductID:      req.ProductID,
		VarietyID:      req.VarietyID,
		Quantity:       req.Quantity,
		Lots:           toLots(req.Lots),
		Reason:         req.Reason,
		RequestKey:     req.RequestKey,
	})
	if err != nil {
		h.respondMutationError(w, r, "transfer", err)
		return
	}
	h.metrics.ObserveMutation("transfer", "ok")
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req adjustRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.Adjust(r.Context(), actor, AdjustInput{
		Key:         Key{BranchID: req.BranchID, ProductID: req.ProductID, VarietyID: req.VarietyID},
		NewQuantity: *req.NewQuantity,
		Lots:        toLots(req.Lots),
		Reason:      req.Reason,
		RequestKey:  req.RequestKey,
	})
	h.finishMutation(w, r, "adjust", result, err)
}

func (h *Handler) handleBranchStock(w http.ResponseWriter, r *http.Request) {
	branchID, err := strconv.ParseInt(chi.URLParam(r, "branchID"), 10, 64)
	if err != nil || branchID <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid branch id", httpx.ErrValidation))
		return
	}
	filter := BranchStockFilter{BranchID: branchID}
	q := r.URL.Query()
	if v := q.Get("product_id"); v != "" {
		if filter.ProductID, err = strconv.ParseInt(v, 10, 64); err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: invalid product id", httpx.ErrValidation))
			return
		}
	}
	if v := q.Get("variety_id"); v != "" {
		if filter.VarietyID, err = strconv.ParseInt(v, 10, 64); err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: invalid variety id", httpx.ErrValidation))
			return
		}
	}
	records, err := h.queries.BranchStock(r.Context(), filter)
	if err != nil {
		h.logger.Error("branch stock listing failed", slog.Int64("branch_id", branchID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"records": toRecordPayloads(records)})
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter LogFilter
	var err error
	if v := q.Get("branch_id"); v != "" {
		if filter.BranchID, err = strconv.ParseInt(v, 10, 64); err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: invalid branch id", httpx.ErrValidation))
			return
		}
	}
	if v := q.Get("type"); v != "" {
		filter.Type = LogType(v)
	}
	if v := q.Get("from"); v != "" {
		if filter.From, err = time.Parse("2006-01-02", v); err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: invalid from date", httpx.ErrValidation))
			return
		}
	}
	if v := q.Get("to"); v != "" {
		to, err := time.Parse("2006-01-02", v)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: invalid to date", httpx.ErrValidation))
			return
		}
		filter.To = to.Add(24*time.Hour - time.Nanosecond)
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	page, err := h.queries.Logs(r.Context(), filter, q.Get("cursor"), limit)
	if err != nil {
		if errors.Is(err, shared.ErrBadCursor) {
			httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
			return
		}
		h.logger.Error("inventory logs listing failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (h *Handler) finishMutation(w http.ResponseWriter, r *http.Request, op string, result MutationResult, err error) {
	if err != nil {
		h.respondMutationError(w, r, op, err)
		return
	}
	h.metrics.ObserveMutation(op, "ok")
	httpx.JSON(w, http.StatusOK, result)
}

// respondMutationError translates core errors for the client. Invariant
// violations are deliberately loud: they mean the ledger is corrupt.
func (h *Handler) respondMutationError(w http.ResponseWriter, r *http.Request, op string, err error) {
	actor := shared.ActorFromContext(r.Context())
	switch {
	case errors.Is(err, ErrInvariantViolation):
		h.metrics.ObserveMutation(op, "invariant_violation")
		h.logger.Error("stock ledger invariant violated",
			slog.String("op", op),
			slog.String("actor", actor.UID),
			slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	case errors.Is(err, ErrStockNotFound), errors.Is(err, ErrSourceStockNotFound):
		h.metrics.ObserveMutation(op, "not_found")
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrInsufficientLot),
		errors.Is(err, ErrLotQuantityMismatch),
		errors.Is(err, ErrSameBranch):
		h.metrics.ObserveMutation(op, "rejected")
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		h.metrics.ObserveMutation(op, "duplicate")
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrConflictingWrite):
		h.metrics.ObserveMutation(op, "conflict")
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.metrics.ObserveMutation(op, "error")
		h.logger.Error("stock mutation failed",
			slog.String("op", op),
			slog.String("actor", actor.UID),
			slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func (h *Handler) requireActor(w http.ResponseWriter, r *http.Request) (shared.Actor, bool) {
	actor := shared.ActorFromContext(r.Context())
	if !actor.Valid() {
		httpx.RespondError(w, fmt.Errorf("%w: actor identity required", httpx.ErrUnauthorized))
		return shared.Actor{}, false
	}
	return actor, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed payload", httpx.ErrValidation))
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, validationDetail(err)))
		return false
	}
	return true
}

func validationDetail(err error) string {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		first := fieldErrs[0]
		return fmt.Sprintf("field %s failed %s", first.Field(), first.Tag())
	}
	return "invalid payload"
}

func toLots(payloads []lotPayload) []Lot {
	if len(payloads) == 0 {
		return nil
	}
	lots := make([]Lot, 0, len(payloads))
	for _, p := range payloads {
		lots = append(lots, Lot{Date: p.Date, Qty: p.Qty})
	}
	return lots
}

type recordPayload struct {
	ID        string    `json:"id"`
	BranchID  int64     `json:"branchId"`
	ProductID int64     `json:"productId"`
	VarietyID int64     `json:"varietyId"`
	Quantity  int64     `json:"quantity"`
	Lots      []Lot     `json:"lots"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func toRecordPayloads(records []Record) []recordPayload {
	out := make([]recordPayload, 0, len(records))
	for _, rec := range records {
		out = append(out, recordPayload{
			ID:        rec.ID,
			BranchID:  rec.Key.BranchID,
			ProductID: rec.Key.ProductID,
			VarietyID: rec.Key.VarietyID,
			Quantity:  rec.Quantity,
			Lots:      rec.Lots,
			UpdatedAt: rec.UpdatedAt,
		})
	}
	return out
}
