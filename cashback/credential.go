package cashback

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/warp/cashback-engine/ledger"
	"golang.org/x/crypto/bcrypt"
)

// OperatorPINLength is how many leading tax ID digits form the kiosk
// operator secret.
const OperatorPINLength = 4

var errShortTaxID = errors.New("tax id has fewer than 4 digits")

// OperatorPIN derives the kiosk operator secret from an organization tax
// ID: its first four digits, ignoring punctuation.
func OperatorPIN(taxID string) (string, error) {
	var b strings.Builder
	for _, r := range taxID {
		if !unicode.IsDigit(r) {
			continue
		}
		b.WriteRune(r)
		if b.Len() == OperatorPINLength {
			return b.String(), nil
		}
	}
	return "", fmt.Errorf("%w: %w", ledger.ErrInvalidArgument, errShortTaxID)
}

// HashOperatorPIN derives the operator secret from taxID and bcrypt-hashes
// it. Pass bcrypt.DefaultCost outside tests.
func HashOperatorPIN(taxID string, cost int) (string, error) {
	pin, err := OperatorPIN(taxID)
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), cost)
	if err != nil {
		return "", fmt.Errorf("hash operator pin: %w", err)
	}
	return string(hash), nil
}

// NewOrganization builds an organization record with its operator PIN hash.
func NewOrganization(id ledger.OrganizationID, name, taxID string, cost int) (ledger.Organization, error) {
	if id == "" {
		return ledger.Organization{}, fmt.Errorf("%w: organization id is required", ledger.ErrInvalidArgument)
	}
	hash, err := HashOperatorPIN(taxID, cost)
	if err != nil {
		return ledger.Organization{}, err
	}
	return ledger.Organization{
		ID:              id,
		Name:            name,
		TaxID:           taxID,
		OperatorPINHash: hash,
	}, nil
}

// VerifyOperatorCredential reports whether credential matches the
// organization's operator secret.
func VerifyOperatorCredential(org ledger.Organization, credential string) bool {
	if org.OperatorPINHash == "" || credential == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(org.OperatorPINHash), []byte(credential)) == nil
}
