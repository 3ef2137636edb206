// Package ledger is the single entry point for creating transactions and moving
// them through the status state machine.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"payment-service/internal/apperr"
	"payment-service/internal/model"
	"payment-service/internal/storage"
)

// Draft describes a transaction to be created in PENDING.
type Draft struct {
	UserID         string
	Amount         decimal.Decimal
	Currency       string
	Gateway        model.Gateway
	PaymentMethod  string
	SubscriptionID *uuid.UUID
}

// Change is a requested status transition plus the gateway fields that came with it.
type Change struct {
	To               model.Status
	GatewayOrderID   string
	GatewayPaymentID string
	FailureReason    string
	FailureCode      string
	// Source names what asked for the change, e.g. "webhook:payment.captured".
	Source string
}

type Result struct {
	Transaction *model.Transaction
	From        model.Status
	Kind        model.TransitionKind
}

// Applied reports whether the transaction was actually moved.
func (r Result) Applied() bool {
	return r.Kind == model.TransitionApply
}

type Ledger struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time
}

func New(store storage.Store, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, logger: logger, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func (l *Ledger) Store() storage.Store {
	return l.store
}

func (l *Ledger) Create(ctx context.Context, draft Draft) (*model.Transaction, error) {
	if err := validateDraft(draft); err != nil {
		return nil, err
	}

	now := l.now()
	id := uuid.New()
	txn := &model.Transaction{
		ID:             id,
		UserID:         draft.UserID,
		Amount:         draft.Amount,
		Currency:       strings.ToUpper(draft.Currency),
		Status:         model.StatusPending,
		Gateway:        draft.Gateway,
		PaymentMethod:  draft.PaymentMethod,
		ReceiptNumber:  receiptNumber(id),
		SubscriptionID: draft.SubscriptionID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := l.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Transactions().Insert(ctx, txn); err != nil {
			return err
		}
		return Audit(ctx, tx, model.EntityTransaction, id.String(), "create", "success", map[string]string{
			"amount":   txn.Amount.String(),
			"currency": txn.Currency,
			"gateway":  txn.Gateway.String(),
		}, now)
	})
	if err != nil {
		return nil, err
	}

	l.logger.InfoContext(ctx, "Created transaction", "transactionId", id, "gateway", txn.Gateway, "amount", txn.Amount.String())
	return txn, nil
}

func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*model.Transaction, error) {
	var txn *model.Transaction
	err := l.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		txn, err = tx.Transactions().GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, notFound(err, "transaction %s not found", id)
	}
	return txn, nil
}

// FindByGatewayID resolves a gateway-native payment or order id outside of any
// unit of work.
func (l *Ledger) FindByGatewayID(ctx context.Context, gateway model.Gateway, gatewayID string) (*model.Transaction, error) {
	var txn *model.Transaction
	err := l.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		txn, err = find(ctx, tx, gateway, gatewayID)
		return err
	})
	if err != nil {
		return nil, notFound(err, "no %s transaction for gateway id %s", gateway, gatewayID)
	}
	return txn, nil
}

func (l *Ledger) ListByUser(ctx context.Context, userID string, from, to time.Time) ([]*model.Transaction, error) {
	var result []*model.Transaction
	err := l.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		result, err = tx.Transactions().FindByUser(ctx, userID, from, to)
		return err
	})
	return result, err
}

// Transition locks the transaction and applies change in its own unit of work.
func (l *Ledger) Transition(ctx context.Context, id uuid.UUID, change Change) (Result, error) {
	var result Result
	err := l.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		txn, err := tx.Transactions().GetByIDForUpdate(ctx, id)
		if err != nil {
			return notFound(err, "transaction %s not found", id)
		}
		result, err = l.Apply(ctx, tx, txn, change)
		return err
	})
	return result, err
}

// Resolve finds and locks the transaction a gateway-native id refers to. The id
// is tried as a payment id first, then as an order id.
func (l *Ledger) Resolve(ctx context.Context, tx storage.Tx, gateway model.Gateway, paymentID, orderID string) (*model.Transaction, error) {
	var found *model.Transaction
	var err error
	for _, candidate := range []string{paymentID, orderID} {
		if candidate == "" {
			continue
		}
		found, err = find(ctx, tx, gateway, candidate)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	if found == nil {
		return nil, apperr.Newf(apperr.NotFound, apperr.CodeTransactionNotFound,
			"no %s transaction for payment id %q or order id %q", gateway, paymentID, orderID)
	}

	locked, err := tx.Transactions().GetByIDForUpdate(ctx, found.ID)
	if err != nil {
		return nil, notFound(err, "transaction %s not found", found.ID)
	}
	return locked, nil
}

// Apply moves txn according to change inside tx. Repeated and stale changes are
// reported through Result.Kind without touching the record; changes against a
// terminal status and undefined moves fail.
func (l *Ledger) Apply(ctx context.Context, tx storage.Tx, txn *model.Transaction, change Change) (Result, error) {
	from := txn.Status
	kind := model.ClassifyTransition(from, change.To)
	result := Result{Transaction: txn, From: from, Kind: kind}

	switch kind {
	case model.TransitionTerminal:
		return result, apperr.Newf(apperr.Conflict, apperr.CodeTerminalState,
			"transaction %s is %s and accepts no further status changes", txn.ID, from)
	case model.TransitionIllegal:
		return result, apperr.Newf(apperr.Conflict, apperr.CodeIllegalTransition,
			"transaction %s cannot move from %s to %s", txn.ID, from, change.To)
	case model.TransitionNoop, model.TransitionStale:
		l.logger.InfoContext(ctx, "Ignoring transition", "transactionId", txn.ID, "from", from, "to", change.To,
			"kind", kind.String(), "source", change.Source)
		return result, nil
	}

	updated := *txn
	if err := assignGatewayID(&updated.GatewayOrderID, change.GatewayOrderID, "order"); err != nil {
		return result, err
	}
	if err := assignGatewayID(&updated.GatewayPaymentID, change.GatewayPaymentID, "payment"); err != nil {
		return result, err
	}

	now := l.now()
	updated.Status = change.To
	updated.UpdatedAt = now
	if change.To == model.StatusFailed {
		updated.FailureReason = optional(change.FailureReason)
		updated.FailureCode = optional(change.FailureCode)
	}
	if change.To == model.StatusCompleted || change.To == model.StatusFailed {
		updated.ProcessedAt = &now
	}

	if err := tx.Transactions().Update(ctx, &updated); err != nil {
		switch {
		case errors.Is(err, storage.ErrVersionConflict):
			return result, apperr.Wrap(apperr.Conflict, apperr.CodeConcurrentModification, err,
				"transaction was modified concurrently")
		case errors.Is(err, storage.ErrDuplicate):
			return result, apperr.Wrap(apperr.Conflict, apperr.CodeGatewayIDAlreadyAssigned, err,
				"gateway id already belongs to another transaction")
		}
		return result, err
	}

	details := map[string]string{"from": string(from), "to": string(change.To), "source": change.Source}
	if change.FailureCode != "" {
		details["failureCode"] = change.FailureCode
	}
	if err := Audit(ctx, tx, model.EntityTransaction, txn.ID.String(), "transition", "applied", details, now); err != nil {
		return result, err
	}

	*txn = updated
	l.logger.InfoContext(ctx, "Transaction transitioned", "transactionId", txn.ID, "from", from, "to", change.To,
		"source", change.Source)
	return result, nil
}

// Audit appends an audit entry within tx.
func Audit(ctx context.Context, tx storage.Tx, entityType, entityID, action, outcome string, details map[string]string, at time.Time) error {
	return tx.Audit().Insert(ctx, &model.AuditEntry{
		ID:         uuid.New(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Outcome:    outcome,
		Details:    details,
		CreatedAt:  at,
	})
}

func find(ctx context.Context, tx storage.Tx, gateway model.Gateway, gatewayID string) (*model.Transaction, error) {
	txn, err := tx.Transactions().FindByGatewayPaymentID(ctx, gateway, gatewayID)
	if errors.Is(err, storage.ErrNotFound) {
		return tx.Transactions().FindByGatewayOrderID(ctx, gateway, gatewayID)
	}
	return txn, err
}

func assignGatewayID(field **string, value, kind string) error {
	if value == "" {
		return nil
	}
	if *field == nil || **field == "" {
		*field = &value
		return nil
	}
	if **field != value {
		return apperr.Newf(apperr.Conflict, apperr.CodeGatewayIDAlreadyAssigned,
			"gateway %s id already set to %s", kind, **field)
	}
	return nil
}

func validateDraft(draft Draft) error {
	switch {
	case draft.UserID == "":
		return apperr.New(apperr.Validation, apperr.CodeInvalidRequest, "user id is required")
	case len(draft.Currency) != 3:
		return apperr.Newf(apperr.Validation, apperr.CodeInvalidRequest, "invalid currency %q", draft.Currency)
	case !draft.Amount.IsPositive():
		return apperr.Newf(apperr.Validation, apperr.CodeInvalidAmount, "amount must be positive, got %s", draft.Amount)
	case !model.ValidPrecision(draft.Amount, draft.Currency):
		return apperr.Newf(apperr.Validation, apperr.CodeInvalidAmount, "amount %s has too many decimal places for %s",
			draft.Amount, draft.Currency)
	}
	return nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.Wrap(apperr.NotFound, apperr.CodeTransactionNotFound, err, fmt.Sprintf(format, args...))
	}
	return err
}

func receiptNumber(id uuid.UUID) string {
	return "rcpt_" + strings.ReplaceAll(id.String(), "-", "")[:20]
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
