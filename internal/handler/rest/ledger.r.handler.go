package hrest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"asset-ledger/internal/domain"
	"asset-ledger/internal/usecase"
	"asset-ledger/pkg/response"
	"asset-ledger/pkg/xerrors"
)

type LedgerRestHandler struct {
	ledgerUC *usecase.LedgerService
	convUC   *usecase.ConversionUsecase
	ruleUC   *usecase.RuleService
	logger   *zap.Logger
}

func NewLedgerRestHandler(
	ledgerUC *usecase.LedgerService,
	convUC *usecase.ConversionUsecase,
	ruleUC *usecase.RuleService,
	logger *zap.Logger,
) *LedgerRestHandler {
	return &LedgerRestHandler{
		ledgerUC: ledgerUC,
		convUC:   convUC,
		ruleUC:   ruleUC,
		logger:   logger,
	}
}

func (h *LedgerRestHandler) registerRoutes(r chi.Router) {
	r.Route("/ledger", func(r chi.Router) {
		r.Get("/balance/{accountID}/{asset}", h.GetBalance)
		r.Post("/transactions/query", h.QueryTransactions)
		r.Get("/operations/{businessID}", h.GetOperation)

		r.Post("/change", h.ChangeBalance)
		r.Post("/convert", h.Convert)
		r.Post("/exchange", h.Exchange)
		r.Post("/adjust", h.Adjust)
		r.Post("/freeze", h.Freeze)
		r.Post("/unfreeze", h.Unfreeze)

		r.Post("/rules", h.CreateRule)
		r.Get("/rules/{from}/{to}", h.RuleHistory)
		r.Get("/rules/{from}/{to}/effective", h.EffectiveRule)
	})
}

func (h *LedgerRestHandler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	h.registerRoutes(r)
	return r
}

// writeError maps typed failures onto HTTP statuses. Conflicts are 409 so
// clients can distinguish "pick a new business id" from validation failures.
func (h *LedgerRestHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, xerrors.ErrIdempotencyConflict):
		response.Error(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, xerrors.ErrBalanceNotFound),
		errors.Is(err, xerrors.ErrEntryNotFound),
		errors.Is(err, xerrors.ErrRuleNotFound),
		errors.Is(err, xerrors.ErrNotFound):
		response.Error(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, xerrors.ErrInsufficientBalance),
		errors.Is(err, xerrors.ErrInsufficientFrozen),
		errors.Is(err, xerrors.ErrAmountBelowMinimum),
		errors.Is(err, xerrors.ErrAmountAboveMaximum),
		errors.Is(err, xerrors.ErrRuleDisabled):
		response.Error(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, xerrors.ErrStore):
		h.logger.Error("store failure", zap.Error(err))
		response.Error(w, r, http.StatusServiceUnavailable, "temporary storage failure, retry with the same business id")
	case errors.Is(err, xerrors.ErrInternalServer):
		h.logger.Error("internal error", zap.Error(err))
		response.Error(w, r, http.StatusInternalServerError, "internal server error")
	default:
		response.Error(w, r, http.StatusBadRequest, err.Error())
	}
}

func (h *LedgerRestHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil {
		response.Error(w, r, http.StatusBadRequest, "invalid account id")
		return
	}
	asset := chi.URLParam(r, "asset")

	b, err := h.ledgerUC.GetBalance(r.Context(), accountID, asset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, b)
}

type transactionQueryJSON struct {
	AccountID    *int64     `json:"account_id,omitempty"`
	AssetCode    *string    `json:"asset_code,omitempty"`
	BusinessID   *string    `json:"business_id,omitempty"`
	BusinessType *string    `json:"business_type,omitempty"`
	From         *time.Time `json:"from,omitempty"`
	To           *time.Time `json:"to,omitempty"`
	Limit        int        `json:"limit,omitempty"`
	Offset       int        `json:"offset,omitempty"`
}

func (h *LedgerRestHandler) QueryTransactions(w http.ResponseWriter, r *http.Request) {
	var in transactionQueryJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.Error(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	filter := &domain.EntryFilter{
		AccountID:  in.AccountID,
		AssetCode:  in.AssetCode,
		BusinessID: in.BusinessID,
		StartDate:  in.From,
		EndDate:    in.To,
		Limit:      in.Limit,
		Offset:     in.Offset,
	}
	if in.BusinessType != nil {
		bt := domain.BusinessType(*in.BusinessType)
		filter.BusinessType = &bt
	}

	entries, err := h.ledgerUC.GetTransactions(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, entries)
}

func (h *LedgerRestHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ledgerUC.GetOperation(r.Context(), chi.URLParam(r, "businessID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, entries)
}

func (h *LedgerRestHandler) ChangeBalance(w http.ResponseWriter, r *http.Request) {
	var in domain.ChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.Error(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.ledgerUC.ChangeBalance(r.Context(), &in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, res)
}

func (h *LedgerRestHandler) Convert(w http.ResponseWriter, r *http.Request) {
	h.runConversion(w, r, h.convUC.Convert)
}

func (h *LedgerRestHandler) Exchange(w http.ResponseWriter, r *http.Request) {
	h.runConversion(w, r, h.convUC.Exchange)
}

func (h *LedgerRestHandler) runConversion(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, req *domain.ConvertRequest) (*domain.ConvertResult, error)) {
	var in domain.ConvertRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.Error(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := fn(r.Context(), &in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, res)
}

func (h *LedgerRestHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	var in domain.AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.Error(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.ledgerUC.Adjust(r.Context(), &in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, res)
}

func (h *LedgerRestHandler) Freeze(w http.ResponseWriter, r *http.Request) {
	h.runFrozenMove(w, r, h.ledgerUC.Freeze)
}

func (h *LedgerRestHandler) Unfreeze(w http.ResponseWriter, r *http.Request) {
	h.runFrozenMove(w, r, h.ledgerUC.Unfreeze)
}

func (h *LedgerRestHandler) runFrozenMove(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, req *domain.FreezeRequest) (*domain.ChangeResult, error)) {
	var in domain.FreezeRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.Error(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := fn(r.Context(), &in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, res)
}

func (h *LedgerRestHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var in domain.ConversionRule
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		response.Error(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	rule, err := h.ruleUC.CreateVersion(r.Context(), &in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusCreated, rule)
}

func (h *LedgerRestHandler) RuleHistory(w http.ResponseWriter, r *http.Request) {
	rules, err := h.ruleUC.History(r.Context(), chi.URLParam(r, "from"), chi.URLParam(r, "to"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, rules)
}

func (h *LedgerRestHandler) EffectiveRule(w http.ResponseWriter, r *http.Request) {
	var asOf time.Time
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.Error(w, r, http.StatusBadRequest, "as_of must be RFC3339")
			return
		}
		asOf = parsed
	}

	rule, err := h.ruleUC.Resolve(r.Context(), chi.URLParam(r, "from"), chi.URLParam(r, "to"), asOf)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, rule)
}
