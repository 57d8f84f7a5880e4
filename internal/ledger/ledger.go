// Package ledger implements the billing ledger. Balance is always the fold
// of a tenant's immutable entries (credits add, withdrawals subtract the
// requested amount); it is never a stored counter, so there is no drift to
// reconcile. Withdrawal requests reserve their amount while pending and a
// batch job finalizes them, re-checking solvency at execution time.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ferdiboxman/402claw-sub000/pkg/models"
	"github.com/ferdiboxman/402claw-sub000/pkg/money"
)

// PlatformFeeRate is the flat fee applied to every withdrawal
const PlatformFeeRate = 0.05

var (
	// ErrInsufficientBalance rejects withdrawals beyond spendable balance
	ErrInsufficientBalance = errors.New("insufficient_balance")
	// ErrInvalidAmount rejects non-positive amounts
	ErrInvalidAmount = errors.New("invalid_amount")
	// ErrDuplicateCredit rejects a credit whose externalId was already recorded
	ErrDuplicateCredit = errors.New("duplicate_credit")
)

// State is the persisted ledger document content
type State struct {
	Entries     []models.LedgerEntry `json:"ledger"`
	Withdrawals []models.Withdrawal  `json:"withdrawals"`
}

// Persister saves ledger state transactionally with each mutation. A save
// failure aborts the mutation: the ledger never holds state the store lost.
type Persister interface {
	SaveLedger(ctx context.Context, state State) error
}

// Ledger is the in-process ledger. All mutations serialize through one lock;
// the reservation check and the entry append are a single critical section.
type Ledger struct {
	mu          sync.Mutex
	entries     []models.LedgerEntry
	withdrawals []models.Withdrawal
	externalIDs map[string]struct{}
	persister   Persister
	logger      *logrus.Logger
	now         func() time.Time
}

// New creates an empty ledger. persister may be nil for ephemeral use.
func New(persister Persister, logger *logrus.Logger) *Ledger {
	return &Ledger{
		externalIDs: make(map[string]struct{}),
		persister:   persister,
		logger:      logger,
		now:         time.Now,
	}
}

// LoadState replaces the ledger content, used at startup
func (l *Ledger) LoadState(state State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append([]models.LedgerEntry(nil), state.Entries...)
	l.withdrawals = append([]models.Withdrawal(nil), state.Withdrawals...)
	l.externalIDs = make(map[string]struct{})
	for _, e := range l.entries {
		if e.Type == models.LedgerCredit && e.ExternalID != "" {
			l.externalIDs[e.ExternalID] = struct{}{}
		}
	}
}

// Credit appends a credit entry. externalID, when set, deduplicates retried
// credits (settlement receipts, manual operator credits).
func (l *Ledger) Credit(ctx context.Context, tenantSlug, ownerUserID string, grossUSD float64, source, externalID string) (*models.LedgerEntry, error) {
	grossUSD = money.Round2(grossUSD)
	if grossUSD <= 0 {
		return nil, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if externalID != "" {
		if _, dup := l.externalIDs[externalID]; dup {
			return nil, ErrDuplicateCredit
		}
	}

	entry := models.LedgerEntry{
		EntryID:     uuid.New().String(),
		Type:        models.LedgerCredit,
		TenantSlug:  tenantSlug,
		OwnerUserID: ownerUserID,
		CreatedAt:   l.now().UTC(),
		GrossUSD:    grossUSD,
		Source:      source,
		ExternalID:  externalID,
	}

	l.entries = append(l.entries, entry)
	if externalID != "" {
		l.externalIDs[externalID] = struct{}{}
	}

	if err := l.saveLocked(ctx); err != nil {
		l.entries = l.entries[:len(l.entries)-1]
		if externalID != "" {
			delete(l.externalIDs, externalID)
		}
		return nil, err
	}

	if l.logger != nil {
		l.logger.WithFields(logrus.Fields{
			"tenant_slug": tenantSlug,
			"gross_usd":   grossUSD,
			"source":      source,
		}).Info("ledger credit recorded")
	}
	return &entry, nil
}

// Balance folds all entries for a tenant: +grossUsd for credits,
// -requestedUsd for withdrawals.
func (l *Ledger) Balance(tenantSlug string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(tenantSlug)
}

func (l *Ledger) balanceLocked(tenantSlug string) float64 {
	var balance float64
	for i := range l.entries {
		e := &l.entries[i]
		if e.TenantSlug != tenantSlug {
			continue
		}
		switch e.Type {
		case models.LedgerCredit:
			balance = money.Round2(balance + e.GrossUSD)
		case models.LedgerWithdrawal:
			balance = money.Round2(balance - e.RequestedUSD)
		}
	}
	return balance
}

func (l *Ledger) pendingReservedLocked(tenantSlug string) float64 {
	var reserved float64
	for i := range l.withdrawals {
		w := &l.withdrawals[i]
		if w.TenantSlug == tenantSlug && w.Status == models.WithdrawalPending {
			reserved = money.Round2(reserved + w.RequestedUSD)
		}
	}
	return reserved
}

// AvailableBalance is the ledger balance minus amounts reserved by pending
// withdrawals.
func (l *Ledger) AvailableBalance(tenantSlug string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return money.Round2(l.balanceLocked(tenantSlug) - l.pendingReservedLocked(tenantSlug))
}

// RequestWithdrawal reserves amountUSD against the tenant's spendable
// balance and records a pending withdrawal. The solvency check and the
// reservation are one critical section, so two concurrent requests whose
// sum exceeds the balance cannot both succeed.
func (l *Ledger) RequestWithdrawal(ctx context.Context, tenantSlug, ownerUserID string, amountUSD float64, destination string) (*models.Withdrawal, error) {
	amountUSD = money.Round2(amountUSD)
	if amountUSD <= 0 {
		return nil, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	spendable := money.Round2(l.balanceLocked(tenantSlug) - l.pendingReservedLocked(tenantSlug))
	if amountUSD > spendable {
		return nil, fmt.Errorf("%w: requested %.2f, spendable %.2f", ErrInsufficientBalance, amountUSD, spendable)
	}

	fee := money.Round2(amountUSD * PlatformFeeRate)
	w := models.Withdrawal{
		WithdrawalID:   uuid.New().String(),
		TenantSlug:     tenantSlug,
		OwnerUserID:    ownerUserID,
		RequestedUSD:   amountUSD,
		PlatformFeeUSD: fee,
		NetPayoutUSD:   money.Round2(amountUSD - fee),
		Destination:    destination,
		Status:         models.WithdrawalPending,
		RequestedAt:    l.now().UTC(),
	}

	l.withdrawals = append(l.withdrawals, w)
	if err := l.saveLocked(ctx); err != nil {
		l.withdrawals = l.withdrawals[:len(l.withdrawals)-1]
		return nil, err
	}

	if l.logger != nil {
		l.logger.WithFields(logrus.Fields{
			"tenant_slug":   tenantSlug,
			"withdrawal_id": w.WithdrawalID,
			"requested_usd": w.RequestedUSD,
			"fee_usd":       w.PlatformFeeUSD,
		}).Info("withdrawal requested")
	}
	return &w, nil
}

// ProcessPendingWithdrawals finalizes every pending withdrawal. Each is
// re-checked against the tenant's current balance: still-solvent requests
// get a withdrawal entry and complete, the rest fail with no partial payout.
// Returns the number completed and failed.
func (l *Ledger) ProcessPendingWithdrawals(ctx context.Context) (completed, failed int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entriesBefore := len(l.entries)
	withdrawalsBefore := append([]models.Withdrawal(nil), l.withdrawals...)

	now := l.now().UTC()
	for i := range l.withdrawals {
		w := &l.withdrawals[i]
		if w.Status != models.WithdrawalPending {
			continue
		}

		if w.RequestedUSD > l.balanceLocked(w.TenantSlug) {
			w.Status = models.WithdrawalFailedInsufficient
			w.SettledAt = &now
			w.FailureReason = "balance below requested amount at settlement time"
			failed++
			continue
		}

		payoutRef := "sim-" + uuid.New().String()
		l.entries = append(l.entries, models.LedgerEntry{
			EntryID:         uuid.New().String(),
			Type:            models.LedgerWithdrawal,
			TenantSlug:      w.TenantSlug,
			OwnerUserID:     w.OwnerUserID,
			CreatedAt:       now,
			RequestedUSD:    w.RequestedUSD,
			PlatformFeeUSD:  w.PlatformFeeUSD,
			NetPayoutUSD:    w.NetPayoutUSD,
			Destination:     w.Destination,
			PayoutReference: payoutRef,
		})
		w.Status = models.WithdrawalCompletedSimulated
		w.SettledAt = &now
		w.PayoutRef = payoutRef
		completed++
	}

	if err := l.saveLocked(ctx); err != nil {
		l.entries = l.entries[:entriesBefore]
		l.withdrawals = withdrawalsBefore
		return 0, 0, err
	}

	if l.logger != nil && (completed > 0 || failed > 0) {
		l.logger.WithFields(logrus.Fields{
			"completed": completed,
			"failed":    failed,
		}).Info("withdrawal settlement batch finished")
	}
	return completed, failed, nil
}

// LifetimeWithdrawalFees sums the fees of completed withdrawals for a tenant
func (l *Ledger) LifetimeWithdrawalFees(tenantSlug string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var fees float64
	for i := range l.entries {
		e := &l.entries[i]
		if e.TenantSlug == tenantSlug && e.Type == models.LedgerWithdrawal {
			fees = money.Round2(fees + e.PlatformFeeUSD)
		}
	}
	return fees
}

// Entries returns a copy of a tenant's ledger entries in append order
func (l *Ledger) Entries(tenantSlug string) []models.LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []models.LedgerEntry
	for _, e := range l.entries {
		if e.TenantSlug == tenantSlug {
			out = append(out, e)
		}
	}
	return out
}

// Withdrawals returns a copy of a tenant's withdrawal requests
func (l *Ledger) Withdrawals(tenantSlug string) []models.Withdrawal {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []models.Withdrawal
	for _, w := range l.withdrawals {
		if w.TenantSlug == tenantSlug {
			out = append(out, w)
		}
	}
	return out
}

// State returns a deep copy of the full ledger state
func (l *Ledger) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		Entries:     append([]models.LedgerEntry(nil), l.entries...),
		Withdrawals: append([]models.Withdrawal(nil), l.withdrawals...),
	}
}

func (l *Ledger) saveLocked(ctx context.Context) error {
	if l.persister == nil {
		return nil
	}
	state := State{
		Entries:     append([]models.LedgerEntry(nil), l.entries...),
		Withdrawals: append([]models.Withdrawal(nil), l.withdrawals...),
	}
	if err := l.persister.SaveLedger(ctx, state); err != nil {
		return fmt.Errorf("failed to persist ledger: %w", err)
	}
	return nil
}
