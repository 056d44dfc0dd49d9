/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are decimal.Decimal. They are emitted as JSON strings ("10.5")
  and accepted as either strings or numbers.

VALIDATION:
  Validation is done in handlers and engines, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/program.go: ProgramJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/cashback-engine/cashback"
	"github.com/warp/cashback-engine/factory"
	"github.com/warp/cashback-engine/ledger"
	"github.com/warp/cashback-engine/store/sqlite"
)

// =============================================================================
// ORGANIZATION & PROGRAM
// =============================================================================

type CreateOrganizationRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	TaxID string `json:"tax_id"`
}

type OrganizationDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at,omitempty"`
}

type ProgramDTO struct {
	ID             string              `json:"id"`
	OrganizationID string              `json:"organization_id"`
	Config         factory.ProgramJSON `json:"config"`
	CreatedAt      string              `json:"created_at,omitempty"`
	UpdatedAt      string              `json:"updated_at,omitempty"`
}

// =============================================================================
// ACCRUAL & REDEMPTION
// =============================================================================

// AccrualRequest is sent by the campaign scheduler when a trigger fires.
type AccrualRequest struct {
	ClientID   string                  `json:"client_id"`
	CampaignID string                  `json:"campaign_id"`
	Kind       string                  `json:"kind"` // FIXED or PERCENTAGE
	Value      decimal.Decimal         `json:"value"`
	SaleValue  *decimal.Decimal        `json:"sale_value,omitempty"`
	SaleID     *string                 `json:"sale_id,omitempty"`
	Expiration *factory.ExpirationJSON `json:"expiration,omitempty"`
}

// AccrualDTO is the accrual outcome. Accrued is false for a no-op.
type AccrualDTO struct {
	Accrued                bool             `json:"accrued"`
	Amount                 *decimal.Decimal `json:"amount,omitempty"`
	TransactionID          string           `json:"transaction_id,omitempty"`
	NewAvailable           *decimal.Decimal `json:"new_available,omitempty"`
	NewLifetimeAccumulated *decimal.Decimal `json:"new_lifetime_accumulated,omitempty"`
	ExpiresAt              string           `json:"expires_at,omitempty"`
}

// RedemptionRequest is sent by the point-of-interaction kiosk.
type RedemptionRequest struct {
	ClientID           string          `json:"client_id"`
	Amount             decimal.Decimal `json:"amount"`
	OperatorCredential string          `json:"operator_credential"`
}

type RedemptionDTO struct {
	TransactionID       string          `json:"transaction_id"`
	NewAvailable        decimal.Decimal `json:"new_available"`
	NewLifetimeRedeemed decimal.Decimal `json:"new_lifetime_redeemed"`
}

// =============================================================================
// QUERIES
// =============================================================================

type BalanceDTO struct {
	OrganizationID      string          `json:"organization_id"`
	ClientID            string          `json:"client_id"`
	ProgramID           string          `json:"program_id"`
	Available           decimal.Decimal `json:"available"`
	LifetimeAccumulated decimal.Decimal `json:"lifetime_accumulated"`
	LifetimeRedeemed    decimal.Decimal `json:"lifetime_redeemed"`
	UpdatedAt           string          `json:"updated_at"`
}

type TransactionDTO struct {
	ID            string          `json:"id"`
	ClientID      string          `json:"client_id"`
	ProgramID     string          `json:"program_id"`
	SaleID        *string         `json:"sale_id"`
	CampaignID    *string         `json:"campaign_id"`
	Kind          string          `json:"kind"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Remaining     decimal.Decimal `json:"remaining"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	ExpiresAt     *string         `json:"expires_at"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
}

type TransactionPageDTO struct {
	Items  []TransactionDTO `json:"items"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

// =============================================================================
// SWEEPS
// =============================================================================

type SweepReportDTO struct {
	OrganizationID string          `json:"organization_id"`
	ExpiredLots    int             `json:"expired_lots"`
	ExpiredTotal   decimal.Decimal `json:"expired_total"`
	Error          string          `json:"error,omitempty"`
}

type SweepRunDTO struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	AsOf           string          `json:"as_of"`
	Status         string          `json:"status"`
	ExpiredLots    int             `json:"expired_lots"`
	ExpiredTotal   decimal.Decimal `json:"expired_total"`
	Error          string          `json:"error,omitempty"`
	StartedAt      string          `json:"started_at"`
	CompletedAt    string          `json:"completed_at,omitempty"`
}

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toBalanceDTO(b ledger.Balance) BalanceDTO {
	return BalanceDTO{
		OrganizationID:      string(b.Key.OrganizationID),
		ClientID:            string(b.Key.ClientID),
		ProgramID:           string(b.Key.ProgramID),
		Available:           b.Available,
		LifetimeAccumulated: b.LifetimeAccumulated,
		LifetimeRedeemed:    b.LifetimeRedeemed,
		UpdatedAt:           b.UpdatedAt.Format(time.RFC3339),
	}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:            string(tx.ID),
		ClientID:      string(tx.Key.ClientID),
		ProgramID:     string(tx.Key.ProgramID),
		Kind:          string(tx.Kind),
		Status:        string(tx.Status()),
		Amount:        tx.Amount,
		Remaining:     tx.Remaining(),
		BalanceBefore: tx.BalanceBefore,
		BalanceAfter:  tx.BalanceAfter,
		CreatedAt:     tx.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     tx.UpdatedAt.Format(time.RFC3339),
	}
	if tx.SaleID != nil {
		dto.SaleID = strPtr(string(*tx.SaleID))
	}
	if tx.CampaignID != nil {
		dto.CampaignID = strPtr(string(*tx.CampaignID))
	}
	if at := tx.ExpiresAt(); at != nil {
		dto.ExpiresAt = strPtr(at.Format(time.RFC3339))
	}
	return dto
}

func toTransactionPageDTO(page ledger.TransactionPage, p ledger.Page) TransactionPageDTO {
	dto := TransactionPageDTO{
		Items:  make([]TransactionDTO, 0, len(page.Items)),
		Total:  page.Total,
		Limit:  p.Limit,
		Offset: p.Offset,
	}
	for _, tx := range page.Items {
		dto.Items = append(dto.Items, toTransactionDTO(tx))
	}
	return dto
}

func toSweepReportDTO(r cashback.SweepReport) SweepReportDTO {
	dto := SweepReportDTO{
		OrganizationID: string(r.OrganizationID),
		ExpiredLots:    r.ExpiredLots,
		ExpiredTotal:   r.ExpiredTotal,
	}
	if r.Err != nil {
		dto.Error = r.Err.Error()
	}
	return dto
}

func toSweepRunDTO(r sqlite.SweepRun) SweepRunDTO {
	dto := SweepRunDTO{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		AsOf:           r.AsOf.Format(time.RFC3339),
		Status:         r.Status,
		ExpiredLots:    r.ExpiredLots,
		ExpiredTotal:   r.ExpiredTotal,
		Error:          r.Error,
		StartedAt:      r.StartedAt.Format(time.RFC3339),
	}
	if r.CompletedAt != nil {
		dto.CompletedAt = r.CompletedAt.Format(time.RFC3339)
	}
	return dto
}
