/*
handlers.go - HTTP API handlers for the rebate engine

PURPOSE:
  Exposes the rebate engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to rebate.Engine.

ENDPOINTS:
  Rebates:
    POST   /api/rebates/talent        Set a talent's rate
    POST   /api/rebates/agency        Set an agency's rate (+ sync to talents)
    POST   /api/rebates/sync-talent   Put one talent on its agency's rate
    POST   /api/rebates/sync-agency   Push the agency rate to sync talents
    POST   /api/rebates/activate      Promote due pending records of one key
    GET    /api/rebates/effective     Resolve the rate for talent (+customer)
    GET    /api/rebates/history       Paged configuration history

  Entities:
    POST   /api/talents                         Create/replace talent
    GET    /api/talents/{oneId}/{platform}      Get talent
    PUT    /api/talents/{oneId}/{platform}/mode Switch sync/independent
    POST   /api/agencies                        Create/rename agency
    GET    /api/agencies/{id}                   Get agency
    PUT    /api/customer-talents                Upsert customer overlay

RESPONSE ENVELOPE:
  {"success": true, "data": ..., "message": "..."}
  {"success": false, "message": "...", "code": "OUT_OF_RANGE", "stack": "..."}

ERROR HANDLING:
  Errors are mapped from rebate sentinels (see statusFor):
  - 400: Rate format/range/precision errors, invalid arguments
  - 404: Talent, agency or config not found
  - 409: Concurrent modification (safe to retry)
  - 422: Valid request the current state can't serve (no agency config, ...)
  - 500: Internal errors. Recovered panics carry the panic-site stack
         outside production (see Recoverer)

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"

	"github.com/agentworks/rebate-engine/factory"
	"github.com/agentworks/rebate-engine/rebate"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is what the HTTP layer needs from persistence: the engine's store
// plus Reset for demo scenarios.
type Store interface {
	rebate.TxStore
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store  Store
	Engine *rebate.Engine
	Seeds  *factory.SeedFactory
	Logger *zap.Logger

	// ShowStack attaches the panic stack to recovered 500 responses (non-production).
	ShowStack bool

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler with the given store and engine.
func NewHandler(store Store, engine *rebate.Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:  store,
		Engine: engine,
		Seeds:  factory.NewSeedFactory(),
		Logger: logger,
	}
}

// =============================================================================
// REBATE ENDPOINTS
// =============================================================================

// UpdateTalentRebate sets a talent's rate.
func (h *Handler) UpdateTalentRebate(w http.ResponseWriter, r *http.Request) {
	var req UpdateTalentRebateRequest
	if !h.decode(w, r, &req) {
		return
	}
	effective, err := optionalDate("effectiveDate", req.EffectiveDate)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}

	res, err := h.Engine.ApplyRateChange(r.Context(), rebate.ChangeRequest{
		TargetType:     rebate.TargetTalent,
		TargetID:       req.OneID,
		Platform:       rebate.Platform(req.Platform),
		RawRate:        string(req.RebateRate),
		EffectType:     rebate.EffectType(req.EffectType),
		EffectiveDate:  effective,
		CreatedBy:      req.CreatedBy,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeOK(w, http.StatusOK, toChangeResultDTO(res), res.Message)
}

// UpdateAgencyRebate sets an agency's rate. Immediate changes are pushed to
// the agency's sync-mode talents unless syncToTalents is false.
func (h *Handler) UpdateAgencyRebate(w http.ResponseWriter, r *http.Request) {
	var req UpdateAgencyRebateRequest
	if !h.decode(w, r, &req) {
		return
	}
	effective, err := optionalDate("effectiveDate", req.EffectiveDate)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	syncToTalents := req.SyncToTalents == nil || *req.SyncToTalents

	res, err := h.Engine.ApplyRateChange(r.Context(), rebate.ChangeRequest{
		TargetType:     rebate.TargetAgency,
		TargetID:       req.AgencyID,
		Platform:       rebate.Platform(req.Platform),
		RawRate:        string(req.RebateRate),
		EffectType:     rebate.EffectType(req.EffectType),
		EffectiveDate:  effective,
		CreatedBy:      req.CreatedBy,
		IdempotencyKey: req.IdempotencyKey,
		SyncToTalents:  syncToTalents,
	})
	if err != nil {
		// The agency change may have committed even though the sync didn't.
		var data any
		if res != nil {
			data = toChangeResultDTO(res)
		}
		h.writeError(w, err, data)
		return
	}

	msg := res.Message
	if res.Sync != nil {
		msg = fmt.Sprintf("%s; synced %d of %d talents", msg, res.Sync.Updated, res.Sync.Total)
	}
	writeOK(w, http.StatusOK, toChangeResultDTO(res), msg)
}

// SyncAgencyRebateToTalent switches one talent to sync mode and applies its
// agency's active rate.
func (h *Handler) SyncAgencyRebateToTalent(w http.ResponseWriter, r *http.Request) {
	var req SyncTalentRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Engine.SyncAgencyRebateToTalent(r.Context(), req.OneID, rebate.Platform(req.Platform), req.CreatedBy)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeOK(w, http.StatusOK, toChangeResultDTO(res), res.Message)
}

// SyncAgencyToTalents pushes an agency's active rate to its sync talents.
func (h *Handler) SyncAgencyToTalents(w http.ResponseWriter, r *http.Request) {
	var req SyncAgencyRequest
	if !h.decode(w, r, &req) {
		return
	}
	effective, err := optionalDate("effectiveDate", req.EffectiveDate)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	res, err := h.Engine.SyncAgencyToTalents(r.Context(), rebate.SyncRequest{
		AgencyID:      req.AgencyID,
		Platform:      rebate.Platform(req.Platform),
		EffectiveDate: effective,
		CreatedBy:     req.CreatedBy,
	})
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeOK(w, http.StatusOK, toSyncResultDTO(res),
		fmt.Sprintf("synced %d of %d talents (%d skipped, %d failed)", res.Updated, res.Total, res.Skipped, res.Failed))
}

// ActivatePending promotes due pending records of one key.
func (h *Handler) ActivatePending(w http.ResponseWriter, r *http.Request) {
	var req ActivateRequest
	if !h.decode(w, r, &req) {
		return
	}
	asOf := h.Engine.Today()
	if req.AsOf != "" {
		d, err := optionalDate("asOf", req.AsOf)
		if err != nil {
			h.writeError(w, err, nil)
			return
		}
		asOf = *d
	}
	targetType := rebate.TargetType(req.TargetType)
	if targetType == "" {
		targetType = rebate.TargetTalent
	}

	res, err := h.Engine.ActivatePendingIfDue(r.Context(), rebate.Key{
		TargetType: targetType,
		TargetID:   req.TargetID,
		Platform:   rebate.Platform(req.Platform),
	}, asOf)
	if err != nil {
		var data any
		if res != nil {
			data = toActivationDTO(res)
		}
		h.writeError(w, err, data)
		return
	}
	writeOK(w, http.StatusOK, toActivationDTO(res),
		fmt.Sprintf("activated %d pending configuration(s)", len(res.Activated)))
}

// ResolveEffectiveRate returns the base and effective rate of a talent.
func (h *Handler) ResolveEffectiveRate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := h.Engine.ResolveEffectiveRate(r.Context(), q.Get("oneId"), rebate.Platform(q.Get("platform")), q.Get("customerId"))
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeOK(w, http.StatusOK, toResolutionDTO(res), "")
}

// GetRebateHistory returns a page of configurations for one lineage.
func (h *Handler) GetRebateHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	targetID := q.Get("targetId")
	if targetID == "" {
		targetID = q.Get("oneId")
	}
	limit, err := queryInt(q.Get("limit"), "limit")
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	offset, err := queryInt(q.Get("offset"), "offset")
	if err != nil {
		h.writeError(w, err, nil)
		return
	}

	page, err := h.Engine.GetHistory(r.Context(), rebate.HistoryQuery{
		TargetType: rebate.TargetType(q.Get("targetType")),
		TargetID:   targetID,
		Platform:   rebate.Platform(q.Get("platform")),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeOK(w, http.StatusOK, HistoryDTO{
		Records: toConfigDTOs(page.Records),
		Total:   page.Total,
		Limit:   page.Limit,
		Offset:  page.Offset,
		HasMore: page.Offset+len(page.Records) < page.Total,
	}, "")
}

// =============================================================================
// ENTITY ENDPOINTS
// =============================================================================

// CreateTalent creates or replaces a talent. Rates are not accepted here:
// they only change through the rebate endpoints.
func (h *Handler) CreateTalent(w http.ResponseWriter, r *http.Request) {
	var req CreateTalentRequest
	if !h.decode(w, r, &req) {
		return
	}
	t := rebate.Talent{
		OneID:      req.OneID,
		Platform:   rebate.Platform(req.Platform),
		Name:       req.Name,
		AgencyID:   req.AgencyID,
		RebateMode: rebate.RebateMode(req.RebateMode),
	}
	if t.AgencyID == "" {
		t.AgencyID = rebate.IndividualAgencyID
	}
	if err := validateTalent(t); err != nil {
		h.writeError(w, err, nil)
		return
	}

	ctx := r.Context()
	err := h.Store.WithTx(ctx, func(s rebate.Store) error {
		if !rebate.IsIndependentAgency(t.AgencyID) {
			if _, err := s.GetAgency(ctx, t.AgencyID); err != nil {
				return err
			}
		}
		// Keep the existing cache: it belongs to the ledger, not to this request.
		if existing, err := s.GetTalent(ctx, t.OneID, t.Platform); err == nil {
			t.CurrentRebate = existing.CurrentRebate
		} else if !rebate.IsNotFound(err) {
			return err
		}
		return s.SaveTalent(ctx, t)
	})
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeOK(w, http.StatusCreated, toTalentDTO(&t), "talent saved")
}

func (h *Handler) GetTalent(w http.ResponseWriter, r *http.Request) {
	t, err := h.Store.GetTalent(r.Context(), chi.URLParam(r, "oneId"), rebate.Platform(chi.URLParam(r, "platform")))
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeOK(w, http.StatusOK, toTalentDTO(t), "")
}

// SetRebateMode switches a talent between sync and independent.
func (h *Handler) SetRebateMode(w http.ResponseWriter, r *http.Request) {
	var req SetRebateModeRequest
	if !h.decode(w, r, &req) {
		return
	}
	t, err := h.Engine.SetRebateMode(r.Context(), chi.URLParam(r, "oneId"), rebate.Platform(chi.URLParam(r, "platform")), rebate.RebateMode(req.RebateMode))
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeOK(w, http.StatusOK, toTalentDTO(t), "rebate mode set to "+req.RebateMode)
}

// CreateAgency creates an agency or renames an existing one. Base rebates
// are left untouched.
func (h *Handler) CreateAgency(w http.ResponseWriter, r *http.Request) {
	var req CreateAgencyRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		h.writeError(w, fmt.Errorf("%w: id is required", rebate.ErrInvalidArgument), nil)
		return
	}
	if rebate.IsIndependentAgency(req.ID) {
		h.writeError(w, fmt.Errorf("%w: %q is reserved", rebate.ErrInvalidArgument, req.ID), nil)
		return
	}

	ctx := r.Context()
	a := rebate.Agency{ID: req.ID, Name: req.Name, BaseRebates: map[rebate.Platform]rebate.BaseRebate{}}
	err := h.Store.WithTx(ctx, func(s rebate.Store) error {
		if existing, err := s.GetAgency(ctx, req.ID); err == nil {
			a.BaseRebates = existing.BaseRebates
		} else if !rebate.IsNotFound(err) {
			return err
		}
		return s.SaveAgency(ctx, a)
	})
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeOK(w, http.StatusCreated, toAgencyDTO(&a), "agency saved")
}

func (h *Handler) GetAgency(w http.ResponseWriter, r *http.Request) {
	a, err := h.Store.GetAgency(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeOK(w, http.StatusOK, toAgencyDTO(a), "")
}

// UpsertCustomerTalent saves a customer overlay. It never touches the
// talent's own ledger.
func (h *Handler) UpsertCustomerTalent(w http.ResponseWriter, r *http.Request) {
	var req CustomerTalentRequest
	if !h.decode(w, r, &req) {
		return
	}
	ct := rebate.CustomerTalent{
		CustomerID: req.CustomerID,
		OneID:      req.OneID,
		Platform:   rebate.Platform(req.Platform),
		Status:     req.Status,
	}
	if ct.CustomerID == "" || ct.OneID == "" {
		h.writeError(w, fmt.Errorf("%w: customerId and oneId are required", rebate.ErrInvalidArgument), nil)
		return
	}
	if !ct.Platform.Valid() {
		h.writeError(w, fmt.Errorf("%w: unknown platform %q", rebate.ErrInvalidArgument, req.Platform), nil)
		return
	}
	if ct.Status == "" {
		ct.Status = rebate.CustomerTalentActive
	}
	if cr := req.CustomerRebate; cr != nil {
		rate := rebate.DefaultRate
		if cr.Rate != "" || cr.Enabled {
			var err error
			if rate, err = rebate.ParseRate(string(cr.Rate)); err != nil {
				h.writeError(w, err, nil)
				return
			}
		}
		ct.CustomerRebate = &rebate.CustomerRebate{Enabled: cr.Enabled, Rate: rate}
	}

	ctx := r.Context()
	if _, err := h.Store.GetTalent(ctx, ct.OneID, ct.Platform); err != nil {
		h.writeError(w, err, nil)
		return
	}
	if err := h.Store.SaveCustomerTalent(ctx, ct); err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeOK(w, http.StatusOK, toCustomerTalentDTO(ct), "customer overlay saved")
}

// =============================================================================
// HEALTH
// =============================================================================

type pinger interface {
	Ping(ctx context.Context) error
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			h.writeError(w, fmt.Errorf("database unreachable: %w", err), nil)
			return
		}
	}
	writeOK(w, http.StatusOK, map[string]string{"status": "ok"}, "")
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, fmt.Errorf("%w: invalid request body: %v", rebate.ErrInvalidArgument, err), nil)
		return false
	}
	return true
}

func validateTalent(t rebate.Talent) error {
	if t.OneID == "" {
		return fmt.Errorf("%w: oneId is required", rebate.ErrInvalidArgument)
	}
	if !t.Platform.Valid() {
		return fmt.Errorf("%w: unknown platform %q", rebate.ErrInvalidArgument, t.Platform)
	}
	if t.RebateMode != "" && !t.RebateMode.Valid() {
		return fmt.Errorf("%w: unknown rebate mode %q", rebate.ErrInvalidArgument, t.RebateMode)
	}
	if rebate.IsIndependentAgency(t.AgencyID) && t.RebateMode == rebate.ModeSync {
		return fmt.Errorf("%w: %s", rebate.ErrNoAgency, t.OneID)
	}
	return nil
}

func optionalDate(field, value string) (*rebate.Date, error) {
	if value == "" {
		return nil, nil
	}
	d, err := rebate.ParseDate(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be YYYY-MM-DD, got %q", rebate.ErrInvalidArgument, field, value)
	}
	return &d, nil
}

func queryInt(value, field string) (int, error) {
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer, got %q", rebate.ErrInvalidArgument, field, value)
	}
	return n, nil
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case rebate.IsClientError(err):
		return http.StatusBadRequest
	case rebate.IsNotFound(err):
		return http.StatusNotFound
	case rebate.IsRetryable(err):
		return http.StatusConflict
	case rebate.IsUnprocessable(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeOK(w http.ResponseWriter, status int, data any, message string) {
	writeJSON(w, status, Response{Success: true, Data: data, Message: message})
}

func (h *Handler) writeError(w http.ResponseWriter, err error, data any) {
	status := statusFor(err)
	resp := Response{
		Success: false,
		Data:    data,
		Message: err.Error(),
		Code:    rebate.ErrorCode(err),
	}
	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, resp)
}

// Recoverer turns a panic into a 500 envelope. The stack is taken inside the
// deferred recover, so it still holds the panicking frames.
func (h *Handler) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			stack := string(debug.Stack())
			h.Logger.Error("panic recovered",
				zap.Any("panic", rec),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("stack", stack),
			)
			resp := Response{Success: false, Message: fmt.Sprintf("internal error: %v", rec), Code: "INTERNAL"}
			if h.ShowStack {
				resp.Stack = stack
			}
			writeJSON(w, http.StatusInternalServerError, resp)
		}()
		next.ServeHTTP(w, r)
	})
}
