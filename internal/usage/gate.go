// Package usage enforces the organization's prepaid credit budget.
package usage

import (
	"context"
	"errors"
	"fmt"

	"github.com/salesagent/internal/store"
)

// CreditsPerReply is debited for every delivered reply
const CreditsPerReply int64 = 1

type Ledger interface {
	GetCreditBalance(ctx context.Context, organizationID string) (int64, error)
	DebitCredits(ctx context.Context, organizationID string, amount int64) error
}

// Notifier delivers the out-of-credits notice to the customer
type Notifier interface {
	SendMessage(ctx context.Context, instanceID, remoteAddress, text string) error
}

// Check is the result of a budget check
type Check struct {
	Allowed bool
	Balance int64
	// NoticeErr is set when the out-of-credits notice could not be delivered
	NoticeErr error
}

type Gate struct {
	ledger   Ledger
	notifier Notifier
	notice   string
}

func NewGate(ledger Ledger, notifier Notifier, notice string) *Gate {
	return &Gate{ledger: ledger, notifier: notifier, notice: notice}
}

// Check reads the balance and, when it is exhausted, tells the customer once.
// The returned error only covers the balance read.
func (g *Gate) Check(ctx context.Context, organizationID, instanceID, remoteAddress string) (Check, error) {
	balance, err := g.ledger.GetCreditBalance(ctx, organizationID)
	if err != nil {
		return Check{}, fmt.Errorf("failed to read credit balance: %w", err)
	}
	if balance > 0 {
		return Check{Allowed: true, Balance: balance}, nil
	}

	res := Check{Balance: balance}
	if err := g.notifier.SendMessage(ctx, instanceID, remoteAddress, g.notice); err != nil {
		res.NoticeErr = fmt.Errorf("failed to send out-of-credits notice: %w", err)
	}
	return res, nil
}

// Debit charges one reply. ErrInsufficientBalance means another job drained the balance first.
func (g *Gate) Debit(ctx context.Context, organizationID string) error {
	err := g.ledger.DebitCredits(ctx, organizationID, CreditsPerReply)
	if errors.Is(err, store.ErrInsufficientBalance) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to debit credits: %w", err)
	}
	return nil
}
