// Package webhook ingests gateway notifications. Each delivery is verified,
// deduplicated, parsed into a sealed event and applied to the ledger in a single
// unit of work, so a notification is applied at most once however often the
// gateway delivers it.
package webhook

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"payment-service/internal/apperr"
	"payment-service/internal/events"
	"payment-service/internal/gateway"
	"payment-service/internal/ledger"
	"payment-service/internal/logging"
	"payment-service/internal/metrics"
	"payment-service/internal/model"
	"payment-service/internal/outcome"
	"payment-service/internal/storage"
)

const (
	operation = "webhook"

	defaultMaxAttempts = 3

	TransitionNone = "none"
)

// SecretSource yields the shared secret a gateway signs notifications with.
type SecretSource interface {
	WebhookSecret(gateway model.Gateway) (string, error)
}

type Emitter interface {
	Emit(ctx context.Context, msg events.Message)
}

// Activator is told about every transaction a webhook completes.
type Activator interface {
	Trigger(ctx context.Context, txn model.Transaction)
}

type Settings struct {
	MaxAttempts int
	Topic       string
}

// Delivery is one inbound notification as received over HTTP.
type Delivery struct {
	Gateway model.Gateway
	Payload []byte
	// Signature falls back to the adapter's signature header when empty.
	Signature  string
	Headers    http.Header
	ReceivedAt time.Time
}

type Result struct {
	RecordID  uuid.UUID
	Duplicate bool
	EventType string
	Kind      string
	// TransactionID is set when the event resolved to a transaction.
	TransactionID *uuid.UUID
	Status        model.Status
	// Transition is apply, noop, stale or none.
	Transition string
}

type Pipeline struct {
	ledger    *ledger.Ledger
	router    *gateway.Router
	secrets   SecretSource
	emitter   Emitter
	activator Activator
	settings  Settings
	logger    *slog.Logger
	now       func() time.Time
}

func NewPipeline(l *ledger.Ledger, router *gateway.Router, secrets SecretSource, emitter Emitter, activator Activator,
	settings Settings, logger *slog.Logger) *Pipeline {
	if settings.MaxAttempts <= 0 {
		settings.MaxAttempts = defaultMaxAttempts
	}
	return &Pipeline{
		ledger:    l,
		router:    router,
		secrets:   secrets,
		emitter:   emitter,
		activator: activator,
		settings:  settings,
		logger:    logger,
		now:       time.Now,
	}
}

// attempt tracks what one processing attempt learned before it committed or
// rolled back.
type attempt struct {
	seed        model.WebhookRecord
	fresh       bool
	started     bool
	verified    bool
	eventType   string
	transaction *model.Transaction
}

type loader func(ctx context.Context, tx storage.Tx) (*model.WebhookRecord, error)

// Handle runs a fresh delivery. Malformed payloads are rejected before anything
// is stored; every later failure leaves an unprocessed record behind.
func (p *Pipeline) Handle(ctx context.Context, d Delivery) outcome.Outcome[Result] {
	start := time.Now()
	defer metrics.ObserveDuration(metrics.CategoryWebhook, start)

	adapter, err := p.router.Adapter(d.Gateway)
	if err != nil {
		return p.rejected(ctx, d.Gateway, err)
	}

	payload, err := decodePayload(d.Payload)
	if err != nil {
		return p.rejected(ctx, d.Gateway, err)
	}

	signature := d.Signature
	if signature == "" && d.Headers != nil {
		signature = d.Headers.Get(adapter.SignatureHeader())
	}
	receivedAt := d.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = p.now()
	}

	envelope := adapter.Envelope(d.Headers, payload)
	candidate := model.WebhookRecord{
		ID:         uuid.New(),
		Gateway:    d.Gateway,
		WebhookID:  optional(envelope.WebhookID),
		DedupKey:   dedupKey(envelope.WebhookID, d.Payload),
		EventType:  envelope.EventType,
		Payload:    d.Payload,
		Signature:  signature,
		ReceivedAt: receivedAt,
	}

	ctx = logging.AppendCtx(ctx, slog.String("webhookId", candidate.DedupKey))
	p.logger.InfoContext(ctx, "Received webhook", "gateway", d.Gateway, "eventType", envelope.EventType)

	return p.run(ctx, adapter, candidate, payload, true, func(ctx context.Context, tx storage.Tx) (*model.WebhookRecord, error) {
		seed := candidate
		return tx.Webhooks().Claim(ctx, &seed)
	})
}

// Replay re-runs verification and dispatch for a stored record that has not been
// processed and has attempts left.
func (p *Pipeline) Replay(ctx context.Context, recordID uuid.UUID) outcome.Outcome[Result] {
	start := time.Now()
	defer metrics.ObserveDuration(metrics.CategoryWebhook, start)

	ctx = logging.AppendCtx(ctx, slog.String("webhookRecordId", recordID.String()))

	stored, err := p.Record(ctx, recordID)
	if err != nil {
		return outcome.Fail[Result](err)
	}
	ctx = logging.AppendCtx(ctx, slog.String("webhookId", stored.DedupKey))

	adapter, err := p.router.Adapter(stored.Gateway)
	if err != nil {
		return outcome.Fail[Result](err)
	}
	payload, err := decodePayload(stored.Payload)
	if err != nil {
		return outcome.Fail[Result](err)
	}

	p.logger.InfoContext(ctx, "Replaying webhook", "gateway", stored.Gateway, "attempts", stored.Attempts)
	return p.run(ctx, adapter, *stored, payload, false, func(ctx context.Context, tx storage.Tx) (*model.WebhookRecord, error) {
		rec, err := tx.Webhooks().GetByID(ctx, recordID)
		if err != nil {
			return nil, recordNotFound(err, recordID)
		}
		if rec.Processed {
			return nil, apperr.Newf(apperr.Conflict, apperr.CodeNotEligibleForReplay,
				"webhook record %s is already processed", recordID)
		}
		if rec.Attempts >= p.settings.MaxAttempts {
			return nil, apperr.Newf(apperr.Conflict, apperr.CodeNotEligibleForReplay,
				"webhook record %s used %d of %d attempts", recordID, rec.Attempts, p.settings.MaxAttempts)
		}
		return rec, nil
	})
}

func (p *Pipeline) run(ctx context.Context, adapter gateway.Adapter, seed model.WebhookRecord, payload map[string]any, fresh bool, load loader) outcome.Outcome[Result] {
	state := &attempt{seed: seed, fresh: fresh}

	var result Result
	err := p.ledger.Store().InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		rec, err := load(ctx, tx)
		if err != nil {
			return err
		}
		if rec.Processed {
			result = Result{RecordID: rec.ID, Duplicate: true, EventType: rec.EventType, Transition: TransitionNone}
			return nil
		}

		state.started = true
		result, err = p.apply(ctx, tx, adapter, rec, payload, state)
		return err
	})

	if err != nil {
		if state.started {
			p.recordFailure(ctx, state, err)
		}
		p.logger.WarnContext(ctx, "Webhook processing failed", "gateway", seed.Gateway,
			"category", apperr.CategoryOf(err), "error", err)
		metrics.RecordOutcome(operation, seed.Gateway.String(), metrics.OutcomeFailure)
		return outcome.Fail[Result](err)
	}

	if result.Duplicate {
		p.logger.InfoContext(ctx, "Duplicate webhook acknowledged", "gateway", seed.Gateway, "recordId", result.RecordID)
		metrics.RecordOutcome(operation, seed.Gateway.String(), metrics.OutcomeDuplicate)
		return outcome.Ok(result)
	}

	p.afterCommit(ctx, seed.Gateway, result, state)
	metrics.RecordOutcome(operation, seed.Gateway.String(), metrics.OutcomeSuccess)
	return outcome.Ok(result)
}

// apply is steps four to seven of a delivery: verify, parse, dispatch, mark.
func (p *Pipeline) apply(ctx context.Context, tx storage.Tx, adapter gateway.Adapter, rec *model.WebhookRecord, payload map[string]any, state *attempt) (Result, error) {
	now := p.now()
	rec.Attempts++

	secret, err := p.secrets.WebhookSecret(rec.Gateway)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.Configuration, apperr.CodeGatewayMisconfigured, err, "webhook secret unavailable")
	}
	// A fresh delivery is judged on its own bytes, never on what an earlier
	// delivery of the same id left behind.
	source := rec
	if state.fresh {
		source = &state.seed
	}
	verified := p.router.VerifySignature(rec.Gateway, source.Payload, source.Signature, secret, source.ReceivedAt)
	if !verified.IsOk() {
		return Result{}, verified.Err()
	}
	if !verified.Value() {
		return Result{}, apperr.New(apperr.Security, apperr.CodeInvalidSignature, "webhook signature verification failed")
	}
	if state.fresh {
		adoptDelivery(rec, state.seed)
	}
	rec.SignatureVerified = true
	state.verified = true

	notification, err := adapter.ParseNotification(payload)
	if err != nil {
		return Result{}, err
	}
	event := FromNotification(rec.Gateway, notification, payload)
	if notification.EventType != "" {
		rec.EventType = notification.EventType
		state.eventType = notification.EventType
	}

	d := newDispatcher(ctx, tx, p.ledger, p.logger, rec, now)
	if err := Dispatch(event, d); err != nil {
		return Result{}, err
	}

	rec.Processed = true
	rec.ProcessedAt = &now
	rec.ProcessingError = nil
	if err := tx.Webhooks().Update(ctx, rec); err != nil {
		return Result{}, err
	}

	result := Result{RecordID: rec.ID, EventType: rec.EventType, Kind: Kind(event), Transition: d.transition}
	details := map[string]string{
		"eventType": rec.EventType,
		"kind":      result.Kind,
		"attempts":  strconv.Itoa(rec.Attempts),
	}
	if d.transaction != nil {
		id := d.transaction.ID
		result.TransactionID = &id
		result.Status = d.transaction.Status
		details["transactionId"] = id.String()
		snapshot := *d.transaction
		state.transaction = &snapshot
	}
	if err := ledger.Audit(ctx, tx, model.EntityWebhook, rec.ID.String(), "process", "processed", details, now); err != nil {
		return Result{}, err
	}
	return result, nil
}

// adoptDelivery replaces the stored bytes with a delivery whose signature checked
// out, so replays verify what was actually accepted.
func adoptDelivery(rec *model.WebhookRecord, delivered model.WebhookRecord) {
	rec.Payload = delivered.Payload
	rec.Signature = delivered.Signature
	rec.ReceivedAt = delivered.ReceivedAt
}

// recordFailure persists the failed attempt in its own unit of work, since the
// attempt's own work was rolled back.
func (p *Pipeline) recordFailure(ctx context.Context, state *attempt, cause error) {
	ctx = context.WithoutCancel(ctx)
	now := p.now()

	err := p.ledger.Store().InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		seed := state.seed
		stored, err := tx.Webhooks().Claim(ctx, &seed)
		if err != nil {
			return err
		}
		if stored.Processed {
			return nil
		}

		if state.fresh && state.verified {
			adoptDelivery(stored, state.seed)
		}
		message := cause.Error()
		stored.Attempts++
		stored.ProcessingError = &message
		stored.SignatureVerified = state.verified
		if state.eventType != "" {
			stored.EventType = state.eventType
		}
		if err := tx.Webhooks().Update(ctx, stored); err != nil {
			return err
		}
		return ledger.Audit(ctx, tx, model.EntityWebhook, stored.ID.String(), "process", "failed", map[string]string{
			"category": string(apperr.CategoryOf(cause)),
			"code":     apperr.CodeOf(cause),
			"attempts": strconv.Itoa(stored.Attempts),
		}, now)
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "Error recording failed webhook attempt", "error", err)
	}
}

// afterCommit runs the side effects of a processed webhook. Neither can undo it.
func (p *Pipeline) afterCommit(ctx context.Context, gw model.Gateway, result Result, state *attempt) {
	p.logger.InfoContext(ctx, "Webhook processed", "gateway", gw, "kind", result.Kind, "transition", result.Transition)

	key := result.RecordID.String()
	msg := events.NewMessage(p.settings.Topic, "webhook."+result.Kind, gw, result.RecordID.String(), p.now()).
		With("gatewayEventType", result.EventType).
		With("transition", result.Transition)
	if state.transaction != nil {
		key = state.transaction.ID.String()
		msg = msg.With("transactionId", key).With("status", string(state.transaction.Status))
	}
	p.emitter.Emit(ctx, msg.WithKey(key))

	if state.transaction != nil && result.Transition == model.TransitionApply.String() &&
		state.transaction.Status == model.StatusCompleted && p.activator != nil {
		p.activator.Trigger(ctx, *state.transaction)
	}
}

func (p *Pipeline) rejected(ctx context.Context, gw model.Gateway, err error) outcome.Outcome[Result] {
	p.logger.WarnContext(ctx, "Webhook rejected", "gateway", gw, "error", err)
	metrics.RecordOutcome(operation, gw.String(), metrics.OutcomeRejected)
	return outcome.Fail[Result](err)
}

func decodePayload(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, apperr.Wrap(apperr.Validation, apperr.CodeMalformedPayload, err, "webhook payload is not a JSON object")
	}
	if payload == nil {
		return nil, apperr.New(apperr.Validation, apperr.CodeMalformedPayload, "webhook payload is empty")
	}
	return payload, nil
}

// dedupKey is the gateway's own webhook id, or a payload digest when the gateway
// sends none.
func dedupKey(webhookID string, payload []byte) string {
	if webhookID != "" {
		return webhookID
	}
	sum := sha256.Sum256(payload)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func recordNotFound(err error, id uuid.UUID) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.Wrap(apperr.NotFound, apperr.CodeWebhookRecordNotFound, err, "webhook record "+id.String()+" not found")
	}
	return err
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
