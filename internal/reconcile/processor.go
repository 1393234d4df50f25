// Package reconcile applies authenticated provider notifications to payment
// transactions at most once per provider event.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/toko-reconcile/internal/audit"
	"github.com/noah-isme/toko-reconcile/internal/common"
	"github.com/noah-isme/toko-reconcile/internal/db"
	"github.com/noah-isme/toko-reconcile/internal/events"
	"github.com/noah-isme/toko-reconcile/internal/fulfillment"
	"github.com/noah-isme/toko-reconcile/internal/money"
	"github.com/noah-isme/toko-reconcile/internal/obs"
	"github.com/noah-isme/toko-reconcile/internal/orphan"
	"github.com/noah-isme/toko-reconcile/internal/payment"
	"github.com/noah-isme/toko-reconcile/internal/txn"
)

const (
	defaultStoreTimeout = 5 * time.Second
	defaultMaxAttempts  = 3
)

// DuplicateCache is a fast, non-authoritative processed-event marker.
type DuplicateCache interface {
	Seen(ctx context.Context, provider, eventID string) (bool, error)
	Remember(ctx context.Context, provider, eventID, outcome string) error
}

// AuditLogger records every notification. It must not fail.
type AuditLogger interface {
	Log(ctx context.Context, e audit.Entry)
}

// Notification is one inbound provider request.
type Notification struct {
	Provider   string
	Body       []byte
	Header     http.Header
	RemoteIP   string
	ReceivedAt time.Time
}

// Result describes what processing did.
type Result struct {
	Outcome       audit.Outcome      `json:"outcome"`
	Provider      string             `json:"provider"`
	EventID       string             `json:"event_id,omitempty"`
	Intent        payment.Intent     `json:"intent,omitempty"`
	TransactionID uuid.UUID          `json:"transaction_id,omitempty"`
	From          txn.Status         `json:"from,omitempty"`
	To            txn.Status         `json:"to,omitempty"`
	OrphanID      uuid.UUID          `json:"orphan_id,omitempty"`
	Fulfillment   fulfillment.Result `json:"-"`
}

// Processor runs the verify, normalize, claim, apply pipeline.
type Processor struct {
	Registry     *payment.Registry
	Units        UnitOfWork
	Cache        DuplicateCache
	Audit        AuditLogger
	Orphans      orphan.Recorder
	Fulfillment  fulfillment.Committer
	Logger       zerolog.Logger
	StoreTimeout time.Duration
	MaxAttempts  int
	Now          func() time.Time
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// Process handles one notification end to end. Every path writes exactly one
// audit entry, and the returned error (if any) says whether a redelivery can help.
func (p *Processor) Process(ctx context.Context, n Notification) (res Result, err error) {
	start := time.Now()
	received := n.ReceivedAt
	if received.IsZero() {
		received = p.now()
	}
	res = Result{Provider: n.Provider, Outcome: audit.OutcomeFailed}
	entry := audit.Entry{
		Provider:      n.Provider,
		PayloadSHA256: common.Sha256HexBytes(n.Body),
		RemoteIP:      n.RemoteIP,
		ReceivedAt:    received,
	}

	ctx, span := otel.Tracer("reconcile.Processor").Start(ctx, "reconcile.process")
	span.SetAttributes(attribute.String("payment.provider", n.Provider))
	defer func() {
		entry.Outcome = res.Outcome
		entry.EventID = res.EventID
		entry.Processed = err == nil
		entry.Error = audit.ErrorString(err)
		entry.Duration = time.Since(start)
		if p.Audit != nil {
			p.Audit.Log(ctx, entry)
		}
		span.SetAttributes(attribute.String("reconcile.outcome", string(res.Outcome)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(res.Outcome))
		}
		span.End()
	}()

	provider, secret, ok := p.Registry.Lookup(n.Provider)
	if !ok {
		res.Outcome = audit.OutcomeUnknownProvider
		return res, ErrUnknownProvider
	}
	valid, err := verify(ctx, provider, n, secret)
	if err != nil {
		res.Outcome = audit.OutcomeFailed
		p.Logger.Warn().Err(err).Str("provider", provider.Name()).Msg("webhook signature could not be checked")
		return res, err
	}
	if !valid {
		res.Outcome = audit.OutcomeSignatureInvalid
		p.Logger.Warn().Str("provider", provider.Name()).Str("remote_ip", n.RemoteIP).Msg("webhook signature rejected")
		return res, ErrSignatureInvalid
	}
	entry.SignatureValid = true

	evt, err := provider.Normalize(n.Body)
	if err != nil {
		res.Outcome = audit.OutcomeMalformed
		return res, err
	}
	evt.ReceivedAt = received
	res.Provider, res.EventID, res.Intent = evt.Provider, evt.EventID, evt.Intent
	entry.Provider, entry.EventKind = evt.Provider, evt.Kind
	span.SetAttributes(
		attribute.String("payment.event_id", evt.EventID),
		attribute.String("payment.intent", string(evt.Intent)),
	)

	if evt.Intent == payment.IntentUnknown {
		res.Outcome = audit.OutcomeIgnored
		return res, nil
	}

	if p.Cache != nil {
		seen, cacheErr := p.Cache.Seen(ctx, evt.Provider, evt.EventID)
		if cacheErr != nil {
			p.Logger.Warn().Err(cacheErr).Str("event_id", evt.EventID).Msg("processed-event cache lookup failed")
		}
		if seen {
			res.Outcome = audit.OutcomeDuplicate
			return res, nil
		}
	}

	applied, err := p.apply(ctx, evt)
	if err != nil {
		res.Outcome = audit.OutcomeFailed
		return res, err
	}
	applied.Provider, applied.EventID, applied.Intent = res.Provider, res.EventID, res.Intent
	res = applied

	if p.Cache != nil && res.Outcome != audit.OutcomeDuplicate {
		if cacheErr := p.Cache.Remember(context.WithoutCancel(ctx), evt.Provider, evt.EventID, string(res.Outcome)); cacheErr != nil {
			p.Logger.Warn().Err(cacheErr).Str("event_id", evt.EventID).Msg("processed-event cache write failed")
		}
	}
	return res, nil
}

func verify(ctx context.Context, provider payment.Provider, n Notification, secret string) (bool, error) {
	if rv, ok := provider.(payment.RemoteVerifier); ok {
		return rv.VerifyRemote(ctx, n.Body, n.Header, secret)
	}
	signature := ""
	if header := provider.SignatureHeader(); header != "" && n.Header != nil {
		signature = n.Header.Get(header)
	}
	return provider.Verify(n.Body, signature, secret), nil
}

// apply runs the atomic unit with a timeout that survives the caller going
// away, retrying when a conditional update lost a race.
func (p *Processor) apply(ctx context.Context, evt payment.Event) (Result, error) {
	if p.Units == nil {
		return Result{}, fmt.Errorf("%w: unit of work not configured", ErrStorageUnavailable)
	}
	timeout := p.StoreTimeout
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	workCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	for attempt := 1; ; attempt++ {
		res, err := p.attempt(workCtx, evt)
		switch {
		case err == nil:
			if res.To != "" {
				obs.TransactionTransitions.WithLabelValues(string(res.From), string(res.To)).Inc()
			}
			return res, nil
		case errors.Is(err, errDuplicate):
			return Result{Outcome: audit.OutcomeDuplicate, TransactionID: res.TransactionID}, nil
		case retryable(err) && attempt < attempts:
			p.Logger.Debug().Err(err).Int("attempt", attempt).Str("event_id", evt.EventID).Msg("retrying after concurrent update")
			continue
		default:
			p.Logger.Error().Err(err).Str("provider", evt.Provider).Str("event_id", evt.EventID).Msg("reconciliation unit failed")
			return Result{}, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}
	}
}

func retryable(err error) bool {
	return errors.Is(err, txn.ErrConcurrentUpdate) || db.IsSerializationFailure(err)
}

func (p *Processor) attempt(ctx context.Context, evt payment.Event) (Result, error) {
	var res Result
	err := p.Units.Do(ctx, func(ctx context.Context, s Stores) error {
		res = Result{}
		t, err := s.Transactions.GetByReference(ctx, evt.Provider, evt.ExternalRef)
		if errors.Is(err, txn.ErrNotFound) {
			return p.recordOrphan(ctx, s, evt, &res)
		}
		if err != nil {
			return fmt.Errorf("resolve transaction: %w", err)
		}
		res.TransactionID, res.From = t.ID, t.Status

		pl := decide(t, evt)
		res.Outcome = pl.outcome
		dup, err := s.Claims.Claim(ctx, evt.Provider, evt.EventID, string(pl.outcome))
		if err != nil {
			return fmt.Errorf("claim event: %w", err)
		}
		if dup {
			return errDuplicate
		}
		bus := events.Bus{Store: s.Events}
		log := p.Logger.With().
			Str("provider", evt.Provider).
			Str("event_id", evt.EventID).
			Str("transaction_id", t.ID.String()).
			Str("status", string(t.Status)).
			Logger()

		switch pl.outcome {
		case audit.OutcomeNoop:
			log.Debug().Msg("event restates current status")
			return nil
		case audit.OutcomeIllegalTransition:
			log.Warn().Str("target", string(pl.target)).Msg("illegal transition ignored")
			return nil
		case audit.OutcomeDisputed:
			log.Warn().Msg("dispute opened")
			_, err := bus.Emit(ctx, events.TopicPaymentDisputed, t.ID, eventPayload(t, evt))
			return err
		case audit.OutcomePartialRefund:
			log.Warn().
				Str("refunded", money.Format(evt.Amount, evt.Currency)+" "+evt.Currency).
				Msg("partial refund recorded without status change")
			_, err := bus.Emit(ctx, events.TopicPaymentPartialRefund, t.ID, eventPayload(t, evt))
			return err
		case audit.OutcomeAmountMismatch:
			log.Warn().
				Str("expected", money.Format(t.Amount, t.Currency)+" "+t.Currency).
				Str("reported", money.Format(evt.Amount, evt.Currency)+" "+evt.Currency).
				Msg("reported amount does not match transaction")
			_, err := bus.Emit(ctx, events.TopicPaymentAmountMismatch, t.ID, eventPayload(t, evt))
			return err
		}

		return p.transition(ctx, s, bus, t, evt, pl.target, &res)
	})
	return res, err
}

func (p *Processor) recordOrphan(ctx context.Context, s Stores, evt payment.Event, res *Result) error {
	res.Outcome = audit.OutcomeOrphan
	dup, err := s.Claims.Claim(ctx, evt.Provider, evt.EventID, string(audit.OutcomeOrphan))
	if err != nil {
		return fmt.Errorf("claim event: %w", err)
	}
	if dup {
		return errDuplicate
	}
	o, err := p.Orphans.Record(ctx, s.Orphans, evt)
	if err != nil {
		return fmt.Errorf("record orphan: %w", err)
	}
	res.OrphanID = o.ID
	return nil
}

// transition moves t to target, fulfilling on success, all inside the unit.
func (p *Processor) transition(ctx context.Context, s Stores, bus events.Bus, t txn.Transaction, evt payment.Event, target txn.Status, res *Result) error {
	updated, err := s.Transactions.UpdateStatus(ctx, t.ID, t.Status, target, t.Version)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	res.To = updated.Status

	if target == txn.StatusSucceeded {
		orderIDs, err := s.Transactions.LinkedOrders(ctx, t.ID)
		if err != nil {
			return fmt.Errorf("load linked orders: %w", err)
		}
		fres, err := p.Fulfillment.Commit(ctx, s.Inventory, t.ID, orderIDs)
		if err != nil {
			return err
		}
		res.Fulfillment = fres
		for _, orderID := range fres.Fulfilled {
			if _, err := bus.Emit(ctx, events.TopicOrderFulfilled, orderID, map[string]any{
				"order_id":       orderID,
				"transaction_id": t.ID,
			}); err != nil {
				return err
			}
		}
		for _, short := range fres.Shortfalls {
			if _, err := bus.Emit(ctx, events.TopicInventoryShortfall, short.VariantID, short); err != nil {
				return err
			}
		}
	}

	if err := s.Transactions.AppendHistory(ctx, txn.HistoryEntry{
		TransactionID: t.ID,
		From:          t.Status,
		To:            target,
		Provider:      evt.Provider,
		EventID:       evt.EventID,
	}); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	if topic := topicFor(target); topic != "" {
		if _, err := bus.Emit(ctx, topic, t.ID, eventPayload(updated, evt)); err != nil {
			return err
		}
	}
	p.Logger.Info().
		Str("provider", evt.Provider).
		Str("event_id", evt.EventID).
		Str("transaction_id", t.ID.String()).
		Str("from", string(t.Status)).
		Str("to", string(target)).
		Int("orders_fulfilled", len(res.Fulfillment.Fulfilled)).
		Msg("transaction transitioned")
	return nil
}

func topicFor(status txn.Status) string {
	switch status {
	case txn.StatusSucceeded:
		return events.TopicPaymentSucceeded
	case txn.StatusFailed:
		return events.TopicPaymentFailed
	case txn.StatusCancelled:
		return events.TopicPaymentCancelled
	case txn.StatusRefunded:
		return events.TopicPaymentRefunded
	case txn.StatusProcessing:
		return events.TopicPaymentProcessing
	case txn.StatusRequiresAction:
		return events.TopicPaymentRequiresAction
	}
	return ""
}

func eventPayload(t txn.Transaction, evt payment.Event) map[string]any {
	payload := map[string]any{
		"transaction_id": t.ID,
		"provider":       evt.Provider,
		"event_id":       evt.EventID,
		"event_kind":     evt.Kind,
		"external_ref":   evt.ExternalRef,
		"status":         t.Status,
		"amount":         money.Format(t.Amount, t.Currency),
		"currency":       t.Currency,
	}
	if evt.HasAmount {
		payload["reported_amount"] = money.Format(evt.Amount, evt.Currency)
		payload["reported_currency"] = evt.Currency
	}
	return payload
}
