package payments

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// BankTransferDetails are the coordinates shown to customers paying by transfer.
type BankTransferDetails struct {
	AccountHolder string
	IBAN          string
	BIC           string
}

// BankTransferProvider sends the customer back to the order page with transfer instructions.
// Payment is confirmed later by an admin or a signed bank callback.
type BankTransferProvider struct {
	details BankTransferDetails
}

func NewBankTransferProvider(details BankTransferDetails) (*BankTransferProvider, error) {
	if strings.TrimSpace(details.IBAN) == "" {
		return nil, errors.New("bank transfer: IBAN is required")
	}
	return &BankTransferProvider{details: details}, nil
}

func (p *BankTransferProvider) CreateCheckoutSession(_ context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if req.Amount <= 0 {
		return CheckoutSession{}, errors.New("bank transfer: amount must be positive")
	}
	return CheckoutSession{
		SessionID:   "bt_" + req.PaymentID,
		RedirectURL: req.SuccessURL,
		Instructions: map[string]string{
			"accountHolder": p.details.AccountHolder,
			"iban":          p.details.IBAN,
			"bic":           p.details.BIC,
			"reference":     req.Reference,
			"amount":        strconv.FormatInt(req.Amount, 10),
			"currency":      strings.ToUpper(req.Currency),
		},
	}, nil
}
