package recon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Engine reconciles verified payment events into the ledger.
// It is safe for concurrent use; all coordination between duplicate
// deliveries happens in the Store.
type Engine struct {
	store   Store
	backend Store
	cfg     Config
	logger  Logger
	metrics Metrics
	cache   EventCache
	router  *Router
	trigger *Trigger
}

// NewEngine creates an engine over store
func NewEngine(store Store, cfg Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	recomputer := cfg.Recomputer
	if recomputer == nil {
		recomputer = NewStoreRecomputer(store)
	}

	e := &Engine{
		store:   failureMarkingStore{store},
		backend: store,
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		cache:   cfg.EventCache,
		router:  NewRouter(),
	}
	e.trigger = NewTrigger(recomputer, &e.cfg)

	e.router.Handle(EventCheckoutCompleted, e.handleCheckoutCompleted)
	e.router.Handle(EventInvoicePaid, e.handleInvoicePaid)
	e.router.Handle(EventInvoicePaymentOK, e.handleInvoicePaid)
	e.router.Handle(EventSubscriptionCreated, e.handleSubscriptionChange)
	e.router.Handle(EventSubscriptionUpdated, e.handleSubscriptionChange)
	e.router.Handle(EventSubscriptionDeleted, e.handleSubscriptionChange)

	return e, nil
}

// Handle registers an additional handler, replacing the built-in one for t
func (e *Engine) Handle(t EventType, h Handler) {
	e.router.Handle(t, h)
}

// Store returns the underlying store
func (e *Engine) Store() Store {
	return e.backend
}

// Process verifies payload against signature and applies the event.
// The returned Result decides the acknowledgment (see Acknowledge).
func (e *Engine) Process(ctx context.Context, payload []byte, signature string) Result {
	return e.ProcessWith(ctx, e.cfg.Verifier, payload, signature)
}

// ProcessWith is Process with an explicit verifier. Transports that own
// their signature scheme (one per processor) use it instead of Config.Verifier.
func (e *Engine) ProcessWith(ctx context.Context, v Verifier, payload []byte, signature string) Result {
	start := time.Now()

	var (
		ev  *Event
		err error
	)
	if v == nil {
		err = fmt.Errorf("%w: no verifier configured", ErrVerification)
	} else {
		ev, err = v.Verify(payload, signature)
	}
	if err != nil {
		if !errors.Is(err, ErrVerification) {
			err = fmt.Errorf("%w: %v", ErrVerification, err)
		}
		res := Result{Stage: StageReceived, Outcome: OutcomeRejected, Kind: KindVerification, Err: err}
		e.logger.Warn("event verification failed",
			Field{"payloadBytes", len(payload)},
			Field{"error", err.Error()},
		)
		e.metrics.RecordEvent("unverified", string(res.Outcome))
		e.metrics.RecordError(res.Kind.String())
		e.metrics.RecordProcessingDuration("unverified", time.Since(start))
		return res
	}

	return e.Apply(ctx, ev)
}

// Apply runs an already verified event through routing and application.
func (e *Engine) Apply(ctx context.Context, ev *Event) Result {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()

	res := e.apply(ctx, ev)
	if ev != nil {
		res.EventID, res.EventType = ev.ID, ev.Type
	}
	e.observe(ev, res, time.Since(start))
	return res
}

func (e *Engine) apply(ctx context.Context, ev *Event) Result {
	if ev == nil || ev.ID == "" || ev.Type == "" {
		return Result{
			Stage:   StageVerified,
			Outcome: OutcomeRejected,
			Kind:    KindInvalidEvent,
			Err:     fmt.Errorf("%w: event id and type are required", ErrInvalidEvent),
		}
	}

	if e.cache != nil {
		seen, err := e.cache.HasApplied(ctx, ev.ID)
		if err != nil {
			e.logger.Debug("event cache lookup failed", eventFields(ev, Field{"error", err.Error()})...)
		} else if seen {
			return Result{Stage: StageApplied, Outcome: OutcomeDuplicate, Kind: KindDuplicateApplication}
		}
	}

	h, ok := e.router.Route(ev.Type)
	if !ok {
		return Result{Stage: StageVerified, Outcome: OutcomeIgnored, Kind: KindUnknownEventType}
	}

	res, err := e.invoke(ctx, h, ev)
	res = e.settle(ctx, ev, res, err)

	if e.cache != nil {
		switch res.Outcome {
		case OutcomeApplied, OutcomeAppliedWithWarnings, OutcomeDuplicate:
			if err := e.cache.MarkApplied(ctx, ev.ID); err != nil {
				e.logger.Debug("event cache mark failed", eventFields(ev, Field{"error", err.Error()})...)
			}
		}
	}
	return res
}

func (e *Engine) invoke(ctx context.Context, h Handler, ev *Event) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h(ctx, ev)
}

// settle turns a handler's return into a terminal result
func (e *Engine) settle(ctx context.Context, ev *Event, res Result, err error) Result {
	res.Stage = StageRouted
	if err == nil {
		res.Stage = StageApplied
		if res.Outcome == "" {
			res.Outcome = OutcomeApplied
			if len(res.Warnings) > 0 {
				res.Outcome = OutcomeAppliedWithWarnings
			}
		}
		return res
	}

	res.Err = err
	res.Kind = Classify(err)
	switch res.Kind {
	case KindDuplicateApplication:
		res.Stage = StageApplied
		res.Outcome = OutcomeDuplicate
	case KindUnknownEventType:
		res.Outcome = OutcomeIgnored
	case KindMissingPrerequisite:
		res.Outcome = OutcomeFailed
		kind := IncidentMissingTransaction
		if errors.Is(err, ErrSubscriptionNotFound) {
			kind = IncidentMissingSubscription
		}
		e.recordIncident(ctx, ev, kind, err.Error())
	case KindInvalidEvent:
		res.Outcome = OutcomeRejected
		e.recordIncident(ctx, ev, IncidentInvalidEvent, err.Error())
	case KindHandlerFailure:
		res.Outcome = OutcomeFailed
		e.recordIncident(ctx, ev, IncidentHandlerFailure, err.Error())
	default:
		res.Outcome = OutcomeFailed
		if res.SideEffects > 0 {
			e.recordIncident(ctx, ev, IncidentPartialApplication, err.Error())
		}
	}
	return res
}

// recordIncident queues ev for manual reconciliation. It runs detached from
// the request deadline so a timed out event still leaves a trace.
func (e *Engine) recordIncident(ctx context.Context, ev *Event, kind IncidentKind, detail string) {
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.StoreTimeout)
	defer cancel()

	inc := &Incident{
		ID:         uuid.NewString(),
		EventID:    ev.ID,
		EventType:  ev.Type,
		Kind:       kind,
		NaturalKey: ev.NaturalKey(),
		Detail:     detail,
		CreatedAt:  e.now(),
	}
	err := e.store.RecordIncident(ictx, inc)
	if err != nil && !errors.Is(err, ErrDuplicate) {
		e.logger.Warn("failed to record incident", eventFields(ev,
			Field{"incidentKind", string(kind)},
			Field{"error", err.Error()},
		)...)
	}
}

// observe writes the structured log entry and metrics for a finished event
func (e *Engine) observe(ev *Event, res Result, elapsed time.Duration) {
	eventType := "invalid"
	if ev != nil && ev.Type != "" {
		eventType = string(ev.Type)
	}
	e.metrics.RecordEvent(eventType, string(res.Outcome))
	e.metrics.RecordProcessingDuration(eventType, elapsed)
	if res.Kind != KindNone && res.Kind != KindDuplicateApplication && res.Kind != KindUnknownEventType {
		e.metrics.RecordError(res.Kind.String())
	}

	fields := eventFields(ev,
		Field{"outcome", string(res.Outcome)},
		Field{"stage", res.Stage.String()},
	)
	if ev != nil && ev.PaymentIntentID != "" {
		fields = append(fields, Field{"paymentIntentId", ev.PaymentIntentID})
	}
	if res.Err != nil {
		fields = append(fields, Field{"kind", res.Kind.String()}, Field{"error", res.Err.Error()})
	}

	switch {
	case res.Outcome == OutcomeApplied:
		e.logger.Debug("event applied", fields...)
	case res.Outcome == OutcomeDuplicate:
		e.logger.Info("duplicate event, already applied", fields...)
	case res.Kind == KindUnknownEventType:
		e.logger.Info("unhandled event type", fields...)
	case res.Outcome == OutcomeIgnored:
		e.logger.Info("event ignored", fields...)
	case res.Outcome == OutcomeAppliedWithWarnings:
		e.logger.Warn("event applied with warnings", append(fields,
			Field{"warnings", strings.Join(res.Warnings, "; ")})...)
	case res.Kind == KindMissingPrerequisite:
		e.logger.Error("missing prerequisite row, queued for manual reconciliation", fields...)
	case res.Kind == KindInvalidEvent:
		e.logger.Error("invalid event, not applied", fields...)
	case res.Kind == KindHandlerFailure:
		e.logger.Error("event handler failed, queued for manual reconciliation", append(fields,
			Field{"sideEffects", res.SideEffects})...)
	default:
		e.logger.Error("failed to apply event", append(fields,
			Field{"sideEffects", res.SideEffects},
			Field{"retryable", res.Retryable()},
		)...)
	}
}

// Wait blocks until all in-flight metrics recomputes finish
func (e *Engine) Wait() {
	e.trigger.Wait()
}

// Shutdown waits for in-flight metrics recomputes or until ctx is done
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.trigger.Shutdown(ctx)
}

func (e *Engine) now() time.Time {
	return e.cfg.Now().UTC()
}
