// Package ledger keeps the append-only wallet ledger.
//
// Every movement of funds is an immutable Entry. A wallet's balance is the
// sum of its entries; nothing stores or mutates a running total. Escrow
// postings are appended in the same unit of work as the escrow transition
// (see AppendTx); withdrawals and operator adjustments go through Ledger.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gigmarket/trustcore/internal/apperr"
	"github.com/gigmarket/trustcore/internal/idgen"
	"github.com/gigmarket/trustcore/internal/money"
	"github.com/gigmarket/trustcore/internal/syncutil"
)

var (
	ErrInsufficientBalance = fmt.Errorf("%w: insufficient balance", apperr.ErrValidation)
	ErrInvalidAmount       = apperr.Validation("amount", "must be non-zero")
	ErrDuplicateEntry      = fmt.Errorf("%w: ledger entry already posted", apperr.ErrConflict)
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	TypeEscrowRelease      EntryType = "escrow_release"
	TypeEscrowRefund       EntryType = "escrow_refund"
	TypeEscrowSplitRelease EntryType = "escrow_split_release"
	TypeEscrowSplitRefund  EntryType = "escrow_split_refund"
	TypeWithdrawal         EntryType = "withdrawal"
	TypeAdjustment         EntryType = "adjustment"
)

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	switch t {
	case TypeEscrowRelease, TypeEscrowRefund, TypeEscrowSplitRelease,
		TypeEscrowSplitRefund, TypeWithdrawal, TypeAdjustment:
		return true
	}
	return false
}

// Entry is one immutable posting. Positive amounts credit the wallet.
type Entry struct {
	ID        string       `json:"id"`
	WalletID  string       `json:"walletId"`
	Amount    money.Amount `json:"amount"`
	Type      EntryType    `json:"type"`
	EscrowID  string       `json:"escrowId,omitempty"`
	Reference string       `json:"reference,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}

// NewEntry builds an entry with a fresh ID. CreatedAt is set by the store.
func NewEntry(walletID string, amount money.Amount, typ EntryType, escrowID string) *Entry {
	return &Entry{
		ID:       idgen.WithPrefix(idgen.Ledger),
		WalletID: walletID,
		Amount:   amount,
		Type:     typ,
		EscrowID: escrowID,
	}
}

func (e *Entry) validate() error {
	switch {
	case e.WalletID == "":
		return apperr.Validation("walletId", "required")
	case e.Amount == 0:
		return ErrInvalidAmount
	case !e.Type.Valid():
		return apperr.Validation("type", fmt.Sprintf("unknown entry type %q", e.Type))
	}
	return nil
}

// Balance is a wallet's derived position.
type Balance struct {
	WalletID string       `json:"walletId"`
	Balance  money.Amount `json:"balance"`
	Credits  money.Amount `json:"credits"`
	Debits   money.Amount `json:"debits"`
	Entries  int          `json:"entries"`
}

// Store persists ledger entries. Implementations never update or delete.
type Store interface {
	// Append writes all entries atomically.
	Append(ctx context.Context, entries ...*Entry) error
	// Debit appends a negative entry only if the wallet balance covers it.
	Debit(ctx context.Context, entry *Entry) error
	Balance(ctx context.Context, walletID string) (*Balance, error)
	Entries(ctx context.Context, walletID string, limit int) ([]*Entry, error)
	EntriesByEscrow(ctx context.Context, escrowID string) ([]*Entry, error)
}

// Ledger is the service used for direct wallet operations.
type Ledger struct {
	store  Store
	locks  syncutil.KeyedMutex
	logger *slog.Logger
}

// New creates a ledger over store.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

// Store exposes the underlying store to engines that append in their own
// unit of work.
func (l *Ledger) Store() Store { return l.store }

// Balance returns the derived balance of walletID.
func (l *Ledger) Balance(ctx context.Context, walletID string) (*Balance, error) {
	defer observeOp("balance")()
	return l.store.Balance(ctx, walletID)
}

// History returns the most recent entries first.
func (l *Ledger) History(ctx context.Context, walletID string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return l.store.Entries(ctx, walletID, limit)
}

// Withdraw debits amount from walletID if the balance covers it.
func (l *Ledger) Withdraw(ctx context.Context, walletID string, amount money.Amount, reference string) (*Entry, error) {
	if !amount.Positive() {
		return nil, apperr.Validation("amount", "must be positive")
	}
	defer observeOp(string(TypeWithdrawal))()

	unlock, err := l.locks.Lock(ctx, walletID)
	if err != nil {
		return nil, apperr.External("ledger.lock", err)
	}
	defer unlock()

	entry := NewEntry(walletID, -amount, TypeWithdrawal, "")
	entry.Reference = reference
	if err := l.store.Debit(ctx, entry); err != nil {
		return nil, err
	}
	l.logger.Info("withdrawal recorded", "walletId", walletID, "amount", amount.String(), "entryId", entry.ID)
	return entry, nil
}

// Adjust posts an operator correction. Negative adjustments must be covered
// by the balance.
func (l *Ledger) Adjust(ctx context.Context, walletID string, amount money.Amount, reference string) (*Entry, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	if reference == "" {
		return nil, apperr.Validation("reference", "adjustments must cite a reference")
	}
	defer observeOp(string(TypeAdjustment))()

	unlock, err := l.locks.Lock(ctx, walletID)
	if err != nil {
		return nil, apperr.External("ledger.lock", err)
	}
	defer unlock()

	entry := NewEntry(walletID, amount, TypeAdjustment, "")
	entry.Reference = reference
	if amount < 0 {
		err = l.store.Debit(ctx, entry)
	} else {
		err = l.store.Append(ctx, entry)
	}
	if err != nil {
		return nil, err
	}
	l.logger.Info("ledger adjusted", "walletId", walletID, "amount", amount.String(), "reference", reference)
	return entry, nil
}

func minorUnits(v int64) money.Amount { return money.Amount(v) }

func summarize(walletID string, entries []*Entry) *Balance {
	b := &Balance{WalletID: walletID, Entries: len(entries)}
	for _, e := range entries {
		if e.Amount > 0 {
			b.Credits += e.Amount
		} else {
			b.Debits -= e.Amount
		}
		b.Balance += e.Amount
	}
	return b
}

// Validate checks entries without writing them. Engines that post through
// their own unit of work call it before any side effect.
func Validate(entries ...*Entry) error {
	for _, e := range entries {
		if err := e.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Posted updates ledger metrics for entries committed through AppendTx by
// a caller-owned transaction.
func Posted(entries []*Entry) {
	countAppended(entries)
}
