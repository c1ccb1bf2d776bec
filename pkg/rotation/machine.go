// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package rotation drives client secrets through a recurring
// warn, rotate, reschedule cycle.
//
// The Machine is stateless between invocations: every handler re-reads the
// cycle from the Store, so it is safe to run in short-lived functions that
// receive trigger events with at-least-once delivery. When the Store has no
// cycle, the cycle is rebuilt from the triggers still registered for the
// client.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/stacklok/m2mgate/pkg/logger"
)

const instrumentationName = "github.com/stacklok/m2mgate/pkg/rotation"

// Machine is the rotation state machine.
type Machine struct {
	cfg      Config
	issuer   CredentialIssuer
	triggers TriggerRegistry
	notifier Notifier
	store    Store
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger

	locks sync.Map // clientID -> *sync.Mutex

	transitions metric.Int64Counter
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// WithIDGenerator overrides how cycle ids are minted.
func WithIDGenerator(newID func() string) Option {
	return func(m *Machine) {
		m.newID = newID
	}
}

// WithMeterProvider sets the meter provider for transition counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(m *Machine) {
		m.transitions, _ = mp.Meter(instrumentationName).Int64Counter(
			"m2mgate_rotation_events",
			metric.WithDescription("Rotation handler outcomes by action and result"),
		)
	}
}

// NewMachine creates a Machine. cfg is defaulted and validated.
func NewMachine(
	cfg Config,
	issuer CredentialIssuer,
	triggers TriggerRegistry,
	notifier Notifier,
	store Store,
	opts ...Option,
) (*Machine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if issuer == nil || triggers == nil || notifier == nil || store == nil {
		return nil, errors.New("rotation: issuer, triggers, notifier and store are required")
	}

	m := &Machine{
		cfg:      cfg,
		issuer:   issuer,
		triggers: triggers,
		notifier: notifier,
		store:    store,
		now:      time.Now,
		newID:    uuid.NewString,
		logger:   logger.With("rotation"),
	}
	WithMeterProvider(otel.GetMeterProvider())(m)

	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Config returns the effective schedule.
func (m *Machine) Config() Config {
	return m.cfg
}

func (m *Machine) lock(clientID string) func() {
	v, _ := m.locks.LoadOrStore(clientID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Handle dispatches a trigger event. Unknown actions are logged and ignored.
func (m *Machine) Handle(ctx context.Context, ev TriggerEvent) error {
	switch ev.Action {
	case ActionScheduleRotation:
		_, err := m.Provision(ctx, ev.ClientID)
		return err
	case ActionSendWarning:
		return m.OnWarnTrigger(ctx, ev.ClientID)
	case ActionRotate:
		return m.OnRotateTrigger(ctx, ev.ClientID)
	default:
		m.logger.Warn("ignoring trigger event with unknown action", "action", ev.Action, "client_id", ev.ClientID)
		m.record(ctx, ev.Action, "ignored")
		return nil
	}
}

// Status returns the client's current cycle. A cycle missing from the store
// is reported from the registered triggers.
func (m *Machine) Status(ctx context.Context, clientID string) (*Cycle, error) {
	cycle, ok, err := m.load(ctx, clientID, "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCycleNotFound
	}
	return cycle, nil
}

// Provision starts a rotation cycle for clientID, replacing any existing one.
func (m *Machine) Provision(ctx context.Context, clientID string) (*Cycle, error) {
	unlock := m.lock(clientID)
	defer unlock()

	existing, err := m.store.Get(ctx, clientID)
	switch {
	case err == nil:
		m.cancelTriggers(ctx, existing)
	case !errors.Is(err, ErrCycleNotFound):
		return nil, fmt.Errorf("failed to load cycle for %s: %w", clientID, err)
	}

	cycle, err := m.schedule(ctx, clientID, 0)
	if err != nil {
		m.record(ctx, ActionScheduleRotation, "error")
		return nil, err
	}

	meta := m.describe(ctx, clientID)
	m.notify(ctx, welcomeMessage(meta, m.cfg, cycle.RotateAt))

	m.logger.Info("provisioned rotation",
		"client_id", clientID, "warn_at", cycle.WarnAt, "rotate_at", cycle.RotateAt)
	m.record(ctx, ActionScheduleRotation, "ok")
	return cycle, nil
}

// OnWarnTrigger sends the grace period warning.
func (m *Machine) OnWarnTrigger(ctx context.Context, clientID string) error {
	unlock := m.lock(clientID)
	defer unlock()

	cycle, ok, err := m.load(ctx, clientID, ActionSendWarning)
	if err != nil || !ok {
		return err
	}
	if !cycle.Live() {
		m.logger.Info("ignoring warning for settled cycle", "client_id", clientID, "state", cycle.State)
		m.record(ctx, ActionSendWarning, "ignored")
		return nil
	}

	now := m.now().UTC()
	if now.Before(cycle.WarnAt.Add(-m.cfg.EarlyFireTolerance)) {
		m.logger.Info("ignoring early warning trigger", "client_id", clientID, "warn_at", cycle.WarnAt)
		m.record(ctx, ActionSendWarning, "stale")
		return nil
	}

	meta := m.describe(ctx, clientID)
	m.notify(ctx, warningMessage(meta, m.cfg, cycle.RotateAt, now))

	if cycle.State == StateScheduled {
		cycle.State = StateWarned
		if err := m.store.Put(ctx, cycle); err != nil {
			return fmt.Errorf("failed to save cycle for %s: %w", clientID, err)
		}
	}
	m.record(ctx, ActionSendWarning, "ok")
	return nil
}

// OnRotateTrigger regenerates the client secret and schedules the next cycle.
func (m *Machine) OnRotateTrigger(ctx context.Context, clientID string) error {
	unlock := m.lock(clientID)
	defer unlock()

	cycle, ok, err := m.load(ctx, clientID, ActionRotate)
	if err != nil || !ok {
		return err
	}

	now := m.now().UTC()
	if now.Before(cycle.RotateAt.Add(-m.cfg.EarlyFireTolerance)) {
		m.logger.Info("ignoring early rotate trigger", "client_id", clientID, "rotate_at", cycle.RotateAt)
		m.record(ctx, ActionRotate, "stale")
		return nil
	}

	if cycle.State == StateRotated {
		m.logger.Info("secret already rotated, rescheduling", "client_id", clientID)
		return m.reschedule(ctx, cycle)
	}

	claimed, err := m.store.ClaimRotation(ctx, clientID, cycle.RotateAt, m.cfg.ClaimTTL)
	if err != nil {
		return fmt.Errorf("failed to claim rotation for %s: %w", clientID, err)
	}
	if !claimed {
		// The secret for this cycle was already regenerated; only the next
		// cycle may be missing.
		m.logger.Info("rotation already claimed, rescheduling", "client_id", clientID, "rotate_at", cycle.RotateAt)
		m.record(ctx, ActionRotate, "duplicate")
		return m.reschedule(ctx, cycle)
	}

	secret, err := m.issuer.RegenerateSecret(ctx, clientID)
	if err != nil {
		return m.fail(ctx, cycle, err)
	}

	cycle.State = StateRotated
	cycle.RotatedAt = now
	cycle.LastError = ""

	meta := m.describe(ctx, clientID)
	next := m.truncate(now.Add(m.cfg.RotationPeriod))
	m.notify(ctx, rotatedMessage(meta, m.cfg, secret, now, next))
	m.logger.Info("rotated client secret", "client_id", clientID, "generation", cycle.Generation)

	if err := m.store.Put(ctx, cycle); err != nil {
		// The claim blocks a second regeneration; a retry only reschedules.
		m.record(ctx, ActionRotate, "error")
		return fmt.Errorf("failed to save rotated cycle for %s: %w", clientID, err)
	}
	return m.reschedule(ctx, cycle)
}

// Deprovision removes the client's triggers and cycle record.
func (m *Machine) Deprovision(ctx context.Context, clientID string) error {
	unlock := m.lock(clientID)
	defer unlock()

	cycle, ok, err := m.load(ctx, clientID, "")
	if err != nil || !ok {
		return err
	}

	var errs []error
	for _, id := range []string{cycle.WarnTriggerID, cycle.RotateTriggerID} {
		if id == "" {
			continue
		}
		if err := m.triggers.Cancel(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrTriggerCancellation, err)
	}

	if err := m.store.Delete(ctx, clientID); err != nil {
		return fmt.Errorf("failed to delete cycle for %s: %w", clientID, err)
	}
	m.logger.Info("deprovisioned rotation", "client_id", clientID)
	return nil
}

// load returns the stored cycle, or one recovered from the registry when the
// store has none. firing names the trigger that must still be registered for
// recovery; empty accepts either.
func (m *Machine) load(ctx context.Context, clientID string, firing Action) (*Cycle, bool, error) {
	cycle, err := m.store.Get(ctx, clientID)
	if errors.Is(err, ErrCycleNotFound) {
		return m.recover(ctx, clientID, firing)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load cycle for %s: %w", clientID, err)
	}
	return cycle, true, nil
}

// recover rebuilds a scheduled cycle from the client's registered triggers.
// A missing trigger's time is derived from the other one and the grace period.
func (m *Machine) recover(ctx context.Context, clientID string, firing Action) (*Cycle, bool, error) {
	warn, err := m.lookup(ctx, ActionSendWarning, clientID)
	if err != nil {
		return nil, false, err
	}
	rotate, err := m.lookup(ctx, ActionRotate, clientID)
	if err != nil {
		return nil, false, err
	}

	if (warn == nil && rotate == nil) ||
		(firing == ActionSendWarning && warn == nil) ||
		(firing == ActionRotate && rotate == nil) {
		m.logger.Info("no rotation cycle for client", "client_id", clientID)
		return nil, false, nil
	}

	cycle := &Cycle{
		ID:        m.newID(),
		ClientID:  clientID,
		State:     StateScheduled,
		CreatedAt: m.now().UTC(),
	}
	if warn != nil {
		cycle.WarnAt, cycle.WarnTriggerID = warn.At.UTC(), warn.ID
	}
	if rotate != nil {
		cycle.RotateAt, cycle.RotateTriggerID = rotate.At.UTC(), rotate.ID
	}
	switch {
	case warn == nil:
		cycle.WarnAt = cycle.RotateAt.Add(-m.cfg.GracePeriod)
	case rotate == nil:
		cycle.RotateAt = cycle.WarnAt.Add(m.cfg.GracePeriod)
	}

	m.logger.Warn("rotation cycle missing from store, recovered from registered triggers",
		"client_id", clientID, "warn_at", cycle.WarnAt, "rotate_at", cycle.RotateAt)
	return cycle, true, nil
}

func (m *Machine) lookup(ctx context.Context, action Action, clientID string) (*Trigger, error) {
	t, err := m.triggers.Lookup(ctx, action, clientID)
	if errors.Is(err, ErrTriggerNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s trigger for %s: %w", action, clientID, err)
	}
	return t, nil
}

func (m *Machine) truncate(t time.Time) time.Time {
	return t.UTC().Truncate(m.cfg.Resolution)
}

// schedule registers both triggers and stores a fresh cycle.
func (m *Machine) schedule(ctx context.Context, clientID string, generation int) (*Cycle, error) {
	now := m.now().UTC()
	warnAt := m.truncate(now.Add(m.cfg.RotationPeriod - m.cfg.GracePeriod))
	rotateAt := m.truncate(now.Add(m.cfg.RotationPeriod))

	warnID, err := m.triggers.RegisterAt(ctx, warnAt, TriggerEvent{Action: ActionSendWarning, ClientID: clientID})
	if err != nil {
		return nil, fmt.Errorf("%w: warning trigger for %s: %w", ErrTriggerRegistration, clientID, err)
	}
	rotateID, err := m.triggers.RegisterAt(ctx, rotateAt, TriggerEvent{Action: ActionRotate, ClientID: clientID})
	if err != nil {
		m.cancel(ctx, clientID, warnID)
		return nil, fmt.Errorf("%w: rotate trigger for %s: %w", ErrTriggerRegistration, clientID, err)
	}

	cycle := &Cycle{
		ID:              m.newID(),
		ClientID:        clientID,
		State:           StateScheduled,
		WarnAt:          warnAt,
		RotateAt:        rotateAt,
		WarnTriggerID:   warnID,
		RotateTriggerID: rotateID,
		CreatedAt:       now,
		Generation:      generation,
	}
	if err := m.store.Put(ctx, cycle); err != nil {
		m.cancel(ctx, clientID, warnID)
		m.cancel(ctx, clientID, rotateID)
		return nil, fmt.Errorf("failed to save cycle for %s: %w", clientID, err)
	}
	return cycle, nil
}

func (m *Machine) reschedule(ctx context.Context, prev *Cycle) error {
	m.cancelTriggers(ctx, prev)

	next, err := m.schedule(ctx, prev.ClientID, prev.Generation+1)
	if err != nil {
		m.record(ctx, ActionRotate, "reschedule_error")
		return err
	}
	m.logger.Info("scheduled next rotation",
		"client_id", next.ClientID, "warn_at", next.WarnAt, "rotate_at", next.RotateAt)
	m.record(ctx, ActionRotate, "ok")
	return nil
}

func (m *Machine) fail(ctx context.Context, cycle *Cycle, cause error) error {
	m.logger.Error("secret regeneration failed", "client_id", cycle.ClientID, "error", cause)

	cycle.State = StateFailed
	cycle.LastError = cause.Error()
	if err := m.store.Put(ctx, cycle); err != nil {
		m.logger.Error("failed to save failed cycle", "client_id", cycle.ClientID, "error", err)
	}
	if err := m.store.ReleaseRotation(ctx, cycle.ClientID, cycle.RotateAt); err != nil {
		m.logger.Warn("failed to release rotation claim", "client_id", cycle.ClientID, "error", err)
	}
	m.notify(ctx, failureMessage(cycle.ClientID, m.cfg, cause))
	m.record(ctx, ActionRotate, "error")

	return fmt.Errorf("%w: %s: %w", ErrProviderCall, cycle.ClientID, cause)
}

// cancelTriggers removes a cycle's triggers, logging failures.
func (m *Machine) cancelTriggers(ctx context.Context, cycle *Cycle) {
	m.cancel(ctx, cycle.ClientID, cycle.WarnTriggerID)
	m.cancel(ctx, cycle.ClientID, cycle.RotateTriggerID)
}

func (m *Machine) cancel(ctx context.Context, clientID, triggerID string) {
	if triggerID == "" {
		return
	}
	if err := m.triggers.Cancel(ctx, triggerID); err != nil {
		m.logger.Warn("failed to cancel trigger", "client_id", clientID, "trigger_id", triggerID, "error", err)
	}
}

// describe never fails; an unreachable provider yields the bare client id.
func (m *Machine) describe(ctx context.Context, clientID string) *ClientMetadata {
	meta, err := m.issuer.Describe(ctx, clientID)
	if err != nil || meta == nil {
		if err != nil {
			m.logger.Warn("failed to describe client", "client_id", clientID, "error", err)
		}
		return &ClientMetadata{ClientID: clientID}
	}
	if meta.ClientID == "" {
		meta.ClientID = clientID
	}
	return meta
}

func (m *Machine) notify(ctx context.Context, msg Message) {
	if err := m.notifier.Send(ctx, msg.Subject, msg.Body); err != nil {
		m.logger.Error("failed to send notification", "subject", msg.Subject, "error", err)
	}
}

func (m *Machine) record(ctx context.Context, action Action, result string) {
	if m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", string(action)),
		attribute.String("result", result),
	))
}
