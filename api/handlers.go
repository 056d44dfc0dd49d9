/*
handlers.go - HTTP API handlers for the cashback ledger

PURPOSE:
  Exposes the cashback engines via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the cashback package.

ENDPOINTS:
  Organizations:
    GET    /api/organizations                          List organizations
    POST   /api/organizations                          Create organization
    GET    /api/organizations/{orgID}/program          Get cashback program
    PUT    /api/organizations/{orgID}/program          Create or update program

  Ledger:
    POST   /api/organizations/{orgID}/accruals         Grant cashback (campaign trigger)
    POST   /api/organizations/{orgID}/redemptions      Redeem cashback (kiosk)

  Queries:
    GET    /api/organizations/{orgID}/clients/{clientID}/balance
    GET    /api/organizations/{orgID}/clients/{clientID}/transactions
    GET    /api/organizations/{orgID}/transactions
    GET    /api/organizations/{orgID}/ranking?by=accumulated|redeemed&limit=N

  Admin:
    POST   /api/admin/sweep                            Run expiration sweep now
    GET    /api/admin/sweep/runs                       Sweep history

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, insufficient balance
  - 401: Bad operator credential
  - 404: Organization, program or balance not found
  - 409: Duplicate organization
  - 500: Internal errors

  Redemption errors carry a pt-BR message in "error" because the kiosk
  shows it to the operator verbatim. "details" keeps the English cause.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scheduler.go: Sweep scheduler shared with TriggerSweep
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/cashback-engine/cashback"
	"github.com/warp/cashback-engine/factory"
	"github.com/warp/cashback-engine/ledger"
	"github.com/warp/cashback-engine/store/sqlite"
	"golang.org/x/crypto/bcrypt"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Engine    *cashback.Engine
	Programs  *factory.ProgramFactory
	Scheduler *SweepScheduler
	Logger    *slog.Logger

	// BcryptCost is used to hash operator PINs of new organizations.
	BcryptCost int
}

// NewHandler creates a new handler with the given dependencies.
func NewHandler(store *sqlite.Store, engine *cashback.Engine, scheduler *SweepScheduler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Store:      store,
		Engine:     engine,
		Programs:   factory.NewProgramFactory(),
		Scheduler:  scheduler,
		Logger:     logger.With("component", "api"),
		BcryptCost: bcrypt.DefaultCost,
	}
}

// =============================================================================
// ORGANIZATION HANDLERS
// =============================================================================

// ListOrganizations returns all organizations.
func (h *Handler) ListOrganizations(w http.ResponseWriter, r *http.Request) {
	orgs, err := h.Store.ListOrganizations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list organizations", err)
		return
	}

	dtos := make([]OrganizationDTO, len(orgs))
	for i, o := range orgs {
		dtos[i] = OrganizationDTO{
			ID:        string(o.ID),
			Name:      o.Name,
			CreatedAt: o.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateOrganization registers an organization and derives its operator PIN.
func (h *Handler) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req CreateOrganizationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	org, err := cashback.NewOrganization(ledger.OrganizationID(req.ID), req.Name, req.TaxID, h.BcryptCost)
	if err != nil {
		writeLedgerError(w, "Invalid organization", err)
		return
	}
	org.CreatedAt = time.Now().UTC()

	if err := h.Store.CreateOrganization(r.Context(), org); err != nil {
		if ledger.IsConflict(err) {
			writeLedgerError(w, "Organization already exists", err)
			return
		}
		writeLedgerError(w, "Failed to create organization", err)
		return
	}

	writeJSON(w, http.StatusCreated, OrganizationDTO{
		ID:        string(org.ID),
		Name:      org.Name,
		CreatedAt: org.CreatedAt.Format(time.RFC3339),
	})
}

// GetProgram returns the organization's cashback program.
func (h *Handler) GetProgram(w http.ResponseWriter, r *http.Request) {
	orgID := ledger.OrganizationID(chi.URLParam(r, "orgID"))

	program, err := h.Store.GetProgram(r.Context(), orgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load program", err)
		return
	}
	if program == nil {
		writeError(w, http.StatusNotFound, "Program not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.toProgramDTO(*program))
}

// PutProgram creates the organization's program or replaces its configuration.
func (h *Handler) PutProgram(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := ledger.OrganizationID(chi.URLParam(r, "orgID"))

	var pj factory.ProgramJSON
	if err := json.NewDecoder(r.Body).Decode(&pj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	cfg, err := h.Programs.FromJSON(pj)
	if err != nil {
		writeLedgerError(w, "Invalid program configuration", err)
		return
	}

	if err := h.Store.SaveProgram(ctx, ledger.Program{OrganizationID: orgID, Config: cfg}); err != nil {
		writeLedgerError(w, "Failed to save program", err)
		return
	}

	program, err := h.Store.GetProgram(ctx, orgID)
	if err != nil || program == nil {
		writeError(w, http.StatusInternalServerError, "Failed to load saved program", err)
		return
	}
	h.Logger.Info("program saved", "organization_id", orgID, "program_id", program.ID)
	writeJSON(w, http.StatusOK, h.toProgramDTO(*program))
}

func (h *Handler) toProgramDTO(p ledger.Program) ProgramDTO {
	return ProgramDTO{
		ID:             string(p.ID),
		OrganizationID: string(p.OrganizationID),
		Config:         h.Programs.ToJSON(p.Config),
		CreatedAt:      p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      p.UpdatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// Accrue grants cashback for a fired campaign trigger. A request with
// nothing to grant answers 200 with accrued=false.
func (h *Handler) Accrue(w http.ResponseWriter, r *http.Request) {
	orgID := ledger.OrganizationID(chi.URLParam(r, "orgID"))

	var req AccrualRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	kind, err := cashback.ParseAccrualKind(req.Kind)
	if err != nil {
		writeLedgerError(w, "Invalid accrual kind", err)
		return
	}
	rule, err := expirationRule(req.Expiration)
	if err != nil {
		writeLedgerError(w, "Invalid expiration", err)
		return
	}

	accrual := cashback.AccrualRequest{
		OrganizationID: orgID,
		ClientID:       ledger.ClientID(req.ClientID),
		CampaignID:     ledger.CampaignID(req.CampaignID),
		Kind:           kind,
		Value:          req.Value,
		SaleValue:      req.SaleValue,
		Expiration:     rule,
	}
	if req.SaleID != nil && *req.SaleID != "" {
		saleID := ledger.SaleID(*req.SaleID)
		accrual.SaleID = &saleID
	}

	result, err := h.Engine.Accrual.Accrue(r.Context(), accrual)
	if err != nil {
		writeLedgerError(w, "Failed to accrue cashback", err)
		return
	}
	if result == nil {
		writeJSON(w, http.StatusOK, AccrualDTO{Accrued: false})
		return
	}

	writeJSON(w, http.StatusCreated, AccrualDTO{
		Accrued:                true,
		Amount:                 &result.Amount,
		TransactionID:          string(result.TransactionID),
		NewAvailable:           &result.NewAvailable,
		NewLifetimeAccumulated: &result.NewLifetimeAccumulated,
		ExpiresAt:              result.ExpiresAt.Format(time.RFC3339),
	})
}

// expirationRule converts the optional request rule. A rule with a zero
// value or an empty unit falls back to the program default; an unknown
// unit or a rule past MaxExpirationYears is rejected.
func expirationRule(ej *factory.ExpirationJSON) (*ledger.ExpirationRule, error) {
	if ej == nil || ej.Value <= 0 || ej.Unit == "" {
		return nil, nil
	}
	unit, err := ledger.ParseExpirationUnit(ej.Unit)
	if err != nil {
		return nil, err
	}
	rule := &ledger.ExpirationRule{Value: ej.Value, Unit: unit}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return rule, nil
}

// Redeem processes a kiosk withdrawal.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	orgID := ledger.OrganizationID(chi.URLParam(r, "orgID"))

	var req RedemptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Requisição inválida", err)
		return
	}

	result, err := h.Engine.Redemption.Redeem(r.Context(), cashback.RedemptionRequest{
		OrganizationID:     orgID,
		ClientID:           ledger.ClientID(req.ClientID),
		Amount:             req.Amount,
		OperatorCredential: req.OperatorCredential,
	})
	if err != nil {
		writeLedgerError(w, kioskMessage(err), err)
		return
	}

	writeJSON(w, http.StatusCreated, RedemptionDTO{
		TransactionID:       string(result.TransactionID),
		NewAvailable:        result.NewAvailable,
		NewLifetimeRedeemed: result.NewLifetimeRedeemed,
	})
}

// kioskMessage returns the operator-facing message for a redemption error.
func kioskMessage(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "Saldo de cashback insuficiente"
	case errors.Is(err, ledger.ErrInvalidDenomination):
		return "Valor de resgate não permitido"
	case errors.Is(err, ledger.ErrUnauthorized):
		return "Senha do operador inválida"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return "Valor de resgate inválido"
	case errors.Is(err, ledger.ErrBalanceNotFound):
		return "Cliente sem saldo de cashback"
	case errors.Is(err, ledger.ErrProgramNotFound):
		return "Programa de cashback não configurado"
	case errors.Is(err, ledger.ErrOrganizationNotFound):
		return "Organização não encontrada"
	case ledger.IsClientError(err):
		return "Requisição inválida"
	}
	return "Não foi possível concluir o resgate"
}

// =============================================================================
// QUERY HANDLERS
// =============================================================================

// GetBalance returns a client's balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	orgID := ledger.OrganizationID(chi.URLParam(r, "orgID"))
	clientID := ledger.ClientID(chi.URLParam(r, "clientID"))

	b, err := h.Engine.Queries.Balance(r.Context(), orgID, clientID)
	if err != nil {
		writeLedgerError(w, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(*b))
}

// GetClientTransactions returns a page of the client's ledger, newest first.
func (h *Handler) GetClientTransactions(w http.ResponseWriter, r *http.Request) {
	orgID := ledger.OrganizationID(chi.URLParam(r, "orgID"))
	clientID := ledger.ClientID(chi.URLParam(r, "clientID"))

	page, dates, err := parseListParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query parameters", err)
		return
	}

	result, err := h.Engine.Queries.ClientTransactions(r.Context(), orgID, clientID, page, dates)
	if err != nil {
		writeLedgerError(w, "Failed to list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionPageDTO(result, page.Normalize()))
}

// GetOrganizationTransactions returns a page of the organization's ledger.
func (h *Handler) GetOrganizationTransactions(w http.ResponseWriter, r *http.Request) {
	orgID := ledger.OrganizationID(chi.URLParam(r, "orgID"))

	page, dates, err := parseListParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query parameters", err)
		return
	}

	result, err := h.Engine.Queries.OrganizationTransactions(r.Context(), orgID, page, dates)
	if err != nil {
		writeLedgerError(w, "Failed to list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionPageDTO(result, page.Normalize()))
}

// GetRanking returns the organization's top clients.
func (h *Handler) GetRanking(w http.ResponseWriter, r *http.Request) {
	orgID := ledger.OrganizationID(chi.URLParam(r, "orgID"))

	by, err := ledger.ParseRankBy(r.URL.Query().Get("by"))
	if err != nil {
		writeLedgerError(w, "Invalid ranking", err)
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	balances, err := h.Engine.Queries.TopClients(r.Context(), orgID, by, limit)
	if err != nil {
		writeLedgerError(w, "Failed to rank clients", err)
		return
	}

	dtos := make([]BalanceDTO, len(balances))
	for i, b := range balances {
		dtos[i] = toBalanceDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerSweep runs the expiration sweep for all organizations now.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	reports := h.Scheduler.RunNow(r.Context())

	dtos := make([]SweepReportDTO, len(reports))
	for i, rep := range reports {
		dtos[i] = toSweepReportDTO(rep)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListSweepRuns returns recent sweep runs, optionally for one organization.
func (h *Handler) ListSweepRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	runs, err := h.Store.GetSweepRuns(r.Context(), r.URL.Query().Get("organization_id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sweep runs", err)
		return
	}

	dtos := make([]SweepRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toSweepRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func parseListParams(r *http.Request) (ledger.Page, *ledger.DateRange, error) {
	var page ledger.Page
	var err error

	if page.Limit, err = intParam(r, "limit"); err != nil {
		return page, nil, err
	}
	if page.Offset, err = intParam(r, "offset"); err != nil {
		return page, nil, err
	}

	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")
	if from == "" && to == "" {
		return page, nil, nil
	}

	dates := &ledger.DateRange{}
	if from != "" {
		if dates.From, err = parseDateParam(from, false); err != nil {
			return page, nil, fmt.Errorf("from: %w", err)
		}
	}
	if to != "" {
		if dates.To, err = parseDateParam(to, true); err != nil {
			return page, nil, fmt.Errorf("to: %w", err)
		}
	}
	return page, dates, nil
}

// parseDateParam accepts RFC 3339 or a bare date. A bare "to" date covers
// the whole day.
func parseDateParam(s string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func intParam(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return n, nil
}

// statusFor maps ledger errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case ledger.IsUnauthorized(err):
		return http.StatusUnauthorized
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case ledger.IsConflict(err):
		return http.StatusConflict
	case ledger.IsClientError(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeLedgerError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func strPtr(s string) *string {
	return &s
}
