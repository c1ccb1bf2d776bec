// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package rotation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/m2mgate/pkg/rotation"
	"github.com/stacklok/m2mgate/pkg/rotation/mocks"
	"github.com/stacklok/m2mgate/pkg/rotation/store"
)

const clientID = "client-a"

var (
	t0       = time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)
	warnAt   = time.Date(2025, 8, 16, 12, 0, 0, 0, time.UTC)
	rotateAt = time.Date(2025, 8, 30, 12, 0, 0, 0, time.UTC)
)

type registration struct {
	at time.Time
	ev rotation.TriggerEvent
}

type sent struct {
	subject string
	body    string
}

// fixture shares one registry, issuer and notifier between any number of
// machines, so a second machine can stand in for a cold start.
type fixture struct {
	machine  *rotation.Machine
	issuer   *mocks.MockCredentialIssuer
	triggers *mocks.MockTriggerRegistry
	notifier *mocks.MockNotifier
	store    *store.MemoryStore

	mu          sync.Mutex
	now         time.Time
	live        map[string]time.Time // trigger id -> fire time
	registered  []registration
	cancelled   []string
	sent        []sent
	registerErr map[rotation.Action]error
	cancelErr   error
}

func triggerID(action rotation.Action, client string) string {
	return "test-" + string(action) + "-" + client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctrl := gomock.NewController(t)
	issuer := mocks.NewMockCredentialIssuer(ctrl)
	triggers := mocks.NewMockTriggerRegistry(ctrl)
	notifier := mocks.NewMockNotifier(ctrl)

	f := &fixture{
		issuer:      issuer,
		triggers:    triggers,
		notifier:    notifier,
		store:       store.NewMemoryStore(),
		now:         t0,
		live:        map[string]time.Time{},
		registerErr: map[rotation.Action]error{},
	}

	issuer.EXPECT().Describe(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, id string) (*rotation.ClientMetadata, error) {
			return &rotation.ClientMetadata{ClientID: id, Name: "Orders Service"}, nil
		}).AnyTimes()

	triggers.EXPECT().RegisterAt(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, at time.Time, ev rotation.TriggerEvent) (string, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			if err := f.registerErr[ev.Action]; err != nil {
				return "", err
			}
			f.registered = append(f.registered, registration{at: at, ev: ev})
			id := triggerID(ev.Action, ev.ClientID)
			f.live[id] = at
			return id, nil
		}).AnyTimes()

	triggers.EXPECT().Cancel(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, id string) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.cancelled = append(f.cancelled, id)
			if f.cancelErr != nil {
				return f.cancelErr
			}
			delete(f.live, id)
			return nil
		}).AnyTimes()

	triggers.EXPECT().Lookup(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, action rotation.Action, client string) (*rotation.Trigger, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			id := triggerID(action, client)
			at, ok := f.live[id]
			if !ok {
				return nil, rotation.ErrTriggerNotFound
			}
			return &rotation.Trigger{ID: id, At: at}, nil
		}).AnyTimes()

	notifier.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, subject, body string) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.sent = append(f.sent, sent{subject: subject, body: body})
			return nil
		}).AnyTimes()

	f.machine = f.build(t, f.store)
	return f
}

// build returns another machine on the fixture's registry backed by st.
func (f *fixture) build(t *testing.T, st rotation.Store) *rotation.Machine {
	t.Helper()

	m, err := rotation.NewMachine(
		rotation.Config{Environment: "test"},
		f.issuer, f.triggers, f.notifier, st,
		rotation.WithClock(f.clock),
		rotation.WithIDGenerator(func() string { return "cycle-id" }),
		rotation.WithMeterProvider(noop.NewMeterProvider()),
	)
	require.NoError(t, err)
	return m
}

func (f *fixture) dropTrigger(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, id)
}

func (f *fixture) liveTriggers() map[string]time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]time.Time, len(f.live))
	for id, at := range f.live {
		out[id] = at
	}
	return out
}

// flakyStore fails the next failRotated saves of a rotated cycle.
type flakyStore struct {
	*store.MemoryStore

	mu          sync.Mutex
	failRotated int
}

func (s *flakyStore) Put(ctx context.Context, c *rotation.Cycle) error {
	s.mu.Lock()
	if c.State == rotation.StateRotated && s.failRotated > 0 {
		s.failRotated--
		s.mu.Unlock()
		return errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.MemoryStore.Put(ctx, c)
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) setNow(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// reset forgets recorded calls so a test can focus on one step.
func (f *fixture) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = nil
	f.cancelled = nil
	f.sent = nil
}

func (f *fixture) provision(t *testing.T) *rotation.Cycle {
	t.Helper()
	cycle, err := f.machine.Provision(context.Background(), clientID)
	require.NoError(t, err)
	f.reset()
	return cycle
}

func (f *fixture) cycle(t *testing.T) *rotation.Cycle {
	t.Helper()
	c, err := f.store.Get(context.Background(), clientID)
	require.NoError(t, err)
	return c
}

func subjects(msgs []sent) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.subject)
	}
	return out
}

func TestMachine_Provision(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	cycle, err := f.machine.Provision(context.Background(), clientID)
	require.NoError(t, err)

	require.Len(t, f.registered, 2)
	assert.Equal(t, rotation.TriggerEvent{Action: rotation.ActionSendWarning, ClientID: clientID}, f.registered[0].ev)
	assert.True(t, warnAt.Equal(f.registered[0].at), "warn at %s", f.registered[0].at)
	assert.Equal(t, rotation.TriggerEvent{Action: rotation.ActionRotate, ClientID: clientID}, f.registered[1].ev)
	assert.True(t, rotateAt.Equal(f.registered[1].at), "rotate at %s", f.registered[1].at)

	assert.Equal(t, "cycle-id", cycle.ID)
	assert.Equal(t, rotation.StateScheduled, cycle.State)
	assert.Equal(t, "test-send_warning-client-a", cycle.WarnTriggerID)
	assert.Equal(t, "test-rotate-client-a", cycle.RotateTriggerID)
	assert.Zero(t, cycle.Generation)
	assert.Equal(t, cycle, f.cycle(t))

	require.Len(t, f.sent, 1)
	assert.Equal(t, "New Client Provisioned: Orders Service", f.sent[0].subject)
	assert.Contains(t, f.sent[0].body, "Next credential rotation scheduled for: 2025-08-30")
	assert.Contains(t, f.sent[0].body, "Rotation frequency: Every 90 days")
	assert.Empty(t, f.cancelled)
}

func TestMachine_ProvisionReplacesLiveCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.provision(t)

	_, err := f.machine.Provision(context.Background(), clientID)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"test-send_warning-client-a", "test-rotate-client-a"}, f.cancelled)
	assert.Len(t, f.registered, 2)
	assert.Equal(t, rotation.StateScheduled, f.cycle(t).State)
}

func TestMachine_ProvisionRegistrationFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerErr[rotation.ActionRotate] = errors.New("throttled")

	_, err := f.machine.Provision(context.Background(), clientID)
	require.ErrorIs(t, err, rotation.ErrTriggerRegistration)

	assert.Equal(t, []string{"test-send_warning-client-a"}, f.cancelled, "first trigger is rolled back")
	assert.Empty(t, f.sent)

	_, err = f.store.Get(context.Background(), clientID)
	assert.ErrorIs(t, err, rotation.ErrCycleNotFound)
}

func TestMachine_OnWarnTrigger(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.provision(t)
	f.setNow(warnAt.Add(20 * time.Second))

	require.NoError(t, f.machine.OnWarnTrigger(context.Background(), clientID))
	require.Len(t, f.sent, 1)
	assert.Equal(t, "Credential Rotation Warning: Orders Service", f.sent[0].subject)
	assert.Contains(t, f.sent[0].body, "This is a 14-day advance notice.")
	assert.Contains(t, f.sent[0].body, "Scheduled rotation date: 2025-08-30")
	assert.Equal(t, rotation.StateWarned, f.cycle(t).State)

	// Re-firing re-notifies without changing the cycle.
	require.NoError(t, f.machine.OnWarnTrigger(context.Background(), clientID))
	assert.Len(t, f.sent, 2)
	assert.Equal(t, rotation.StateWarned, f.cycle(t).State)
	assert.Empty(t, f.registered)
	assert.Empty(t, f.cancelled)
}

func TestMachine_OnWarnTriggerIgnored(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture)
	}{
		{
			name:  "no cycle",
			setup: func(*testing.T, *fixture) {},
		},
		{
			name: "fired before warn time",
			setup: func(t *testing.T, f *fixture) {
				f.provision(t)
				f.setNow(warnAt.Add(-time.Hour))
			},
		},
		{
			name: "failed cycle",
			setup: func(t *testing.T, f *fixture) {
				f.provision(t)
				c := f.cycle(t)
				c.State = rotation.StateFailed
				require.NoError(t, f.store.Put(context.Background(), c))
				f.setNow(warnAt)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			tt.setup(t, f)

			require.NoError(t, f.machine.OnWarnTrigger(context.Background(), clientID))
			assert.Empty(t, f.sent)
		})
	}
}

func TestMachine_OnRotateTrigger(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	first := f.provision(t)
	f.setNow(rotateAt.Add(15 * time.Second))

	f.issuer.EXPECT().RegenerateSecret(gomock.Any(), clientID).Return("s3cr3t-value", nil).Times(1)

	require.NoError(t, f.machine.OnRotateTrigger(context.Background(), clientID))

	require.Len(t, f.sent, 1, "exactly one new-secret notification")
	assert.Equal(t, "Credentials Rotated: Orders Service", f.sent[0].subject)
	assert.Contains(t, f.sent[0].body, "Client Secret: s3cr3t-value")
	assert.Contains(t, f.sent[0].body, "Rotation Date: 2025-08-30")

	assert.ElementsMatch(t, []string{first.WarnTriggerID, first.RotateTriggerID}, f.cancelled)

	require.Len(t, f.registered, 2)
	nextRotate := rotateAt.Add(90 * rotation.Day)
	assert.True(t, nextRotate.Add(-14*rotation.Day).Equal(f.registered[0].at))
	assert.True(t, nextRotate.Equal(f.registered[1].at))
	assert.Contains(t, f.sent[0].body, "Next Rotation: "+nextRotate.Format(time.DateOnly))

	next := f.cycle(t)
	assert.Equal(t, rotation.StateScheduled, next.State)
	assert.Equal(t, 1, next.Generation)
	assert.True(t, nextRotate.Equal(next.RotateAt))
}

func TestMachine_OnRotateTriggerDuplicates(t *testing.T) {
	t.Parallel()

	t.Run("re-delivered after success", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.provision(t)
		f.setNow(rotateAt)
		f.issuer.EXPECT().RegenerateSecret(gomock.Any(), clientID).Return("secret", nil).Times(1)

		require.NoError(t, f.machine.OnRotateTrigger(context.Background(), clientID))
		f.reset()

		require.NoError(t, f.machine.OnRotateTrigger(context.Background(), clientID))
		assert.Empty(t, f.sent)
		assert.Empty(t, f.registered)
	})

	t.Run("claimed elsewhere", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.provision(t)
		f.setNow(rotateAt)
		ok, err := f.store.ClaimRotation(context.Background(), clientID, rotateAt, time.Hour)
		require.NoError(t, err)
		require.True(t, ok)

		// The secret is not regenerated again, but the next cycle is scheduled.
		require.NoError(t, f.machine.OnRotateTrigger(context.Background(), clientID))
		assert.Empty(t, f.sent)
		assert.Len(t, f.registered, 2)
		next := f.cycle(t)
		assert.Equal(t, rotation.StateScheduled, next.State)
		assert.Equal(t, 1, next.Generation)
		assert.True(t, rotateAt.Add(90*rotation.Day).Equal(next.RotateAt))
	})

	t.Run("concurrent deliveries", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.provision(t)
		f.setNow(rotateAt)
		f.issuer.EXPECT().RegenerateSecret(gomock.Any(), clientID).Return("secret", nil).Times(1)

		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, f.machine.OnRotateTrigger(context.Background(), clientID))
			}()
		}
		wg.Wait()

		assert.Equal(t, []string{"Credentials Rotated: Orders Service"}, subjects(f.sent))
	})

	t.Run("stale trigger from earlier schedule", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.provision(t)
		f.setNow(rotateAt.Add(-time.Hour))

		require.NoError(t, f.machine.OnRotateTrigger(context.Background(), clientID))
		assert.Empty(t, f.sent)
		assert.Equal(t, rotation.StateScheduled, f.cycle(t).State)
	})

	t.Run("within early fire tolerance", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.provision(t)
		f.setNow(rotateAt.Add(-time.Minute))
		f.issuer.EXPECT().RegenerateSecret(gomock.Any(), clientID).Return("secret", nil).Times(1)

		require.NoError(t, f.machine.OnRotateTrigger(context.Background(), clientID))
		assert.Len(t, f.sent, 1)
	})

	t.Run("no cycle", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		require.NoError(t, f.machine.OnRotateTrigger(context.Background(), clientID))
		assert.Empty(t, f.sent)
	})
}

func TestMachine_OnRotateTriggerProviderFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.provision(t)
	f.setNow(rotateAt)

	f.issuer.EXPECT().RegenerateSecret(gomock.Any(), clientID).Return("", errors.New("graph unavailable")).Times(1)

	err := f.machine.OnRotateTrigger(context.Background(), clientID)
	require.ErrorIs(t, err, rotation.ErrProviderCall)

	c := f.cycle(t)
	assert.Equal(t, rotation.StateFailed, c.State)
	assert.Equal(t, "graph unavailable", c.LastError)
	assert.Empty(t, f.registered, "no next cycle after a failed rotation")
	assert.Empty(t, f.cancelled)

	require.Len(t, f.sent, 1)
	assert.Equal(t, "Rotation Failed: client-a", f.sent[0].subject)
	assert.Contains(t, f.sent[0].body, "Error: graph unavailable")

	// A scheduler retry reclaims and tries again.
	f.reset()
	f.issuer.EXPECT().RegenerateSecret(gomock.Any(), clientID).Return("secret", nil).Times(1)
	require.NoError(t, f.machine.OnRotateTrigger(context.Background(), clientID))
	assert.Equal(t, rotation.StateScheduled, f.cycle(t).State)
	assert.Len(t, f.registered, 2)
}

func TestMachine_OnRotateTriggerRescheduleFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.provision(t)
	f.setNow(rotateAt)
	f.registerErr[rotation.ActionSendWarning] = errors.New("rule quota exceeded")

	f.issuer.EXPECT().RegenerateSecret(gomock.Any(), clientID).Return("secret", nil).Times(1)

	err := f.machine.OnRotateTrigger(context.Background(), clientID)
	require.ErrorIs(t, err, rotation.ErrTriggerRegistration)
	assert.Equal(t, rotation.StateRotated, f.cycle(t).State)
	assert.Len(t, f.sent, 1)

	// The retry only reschedules; RegenerateSecret is not called again.
	f.reset()
	delete(f.registerErr, rotation.ActionSendWarning)
	require.NoError(t, f.machine.OnRotateTrigger(context.Background(), clientID))

	assert.Empty(t, f.sent)
	assert.Len(t, f.registered, 2)
	next := f.cycle(t)
	assert.Equal(t, rotation.StateScheduled, next.State)
	assert.Equal(t, 1, next.Generation)
}

func TestMachine_OnRotateTriggerSaveFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	flaky := &flakyStore{MemoryStore: f.store, failRotated: 1}
	m := f.build(t, flaky)

	_, err := m.Provision(context.Background(), clientID)
	require.NoError(t, err)
	f.reset()
	f.setNow(rotateAt)
	f.issuer.EXPECT().RegenerateSecret(gomock.Any(), clientID).Return("secret", nil).Times(1)

	// The rotated cycle cannot be saved: the error surfaces before any
	// trigger is touched.
	err = m.OnRotateTrigger(context.Background(), clientID)
	require.ErrorContains(t, err, "connection reset")
	assert.Equal(t, []string{"Credentials Rotated: Orders Service"}, subjects(f.sent))
	assert.Empty(t, f.registered)
	assert.Empty(t, f.cancelled)
	assert.Equal(t, rotation.StateScheduled, f.cycle(t).State)

	// A retry holds no claim and reschedules, but registration fails.
	f.reset()
	f.registerErr[rotation.ActionSendWarning] = errors.New("rule quota exceeded")
	err = m.OnRotateTrigger(context.Background(), clientID)
	require.ErrorIs(t, err, rotation.ErrTriggerRegistration)
	assert.Empty(t, f.sent)

	// The next retry schedules the next cycle without regenerating.
	f.reset()
	delete(f.registerErr, rotation.ActionSendWarning)
	require.NoError(t, m.OnRotateTrigger(context.Background(), clientID))
	assert.Empty(t, f.sent)
	assert.Len(t, f.registered, 2)
	next := f.cycle(t)
	assert.Equal(t, rotation.StateScheduled, next.State)
	assert.Equal(t, 1, next.Generation)
}

func TestMachine_OnRotateTriggerCancelFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.provision(t)
	f.setNow(rotateAt)
	f.cancelErr = errors.New("access denied")
	f.issuer.EXPECT().RegenerateSecret(gomock.Any(), clientID).Return("secret", nil).Times(1)

	require.NoError(t, f.machine.OnRotateTrigger(context.Background(), clientID),
		"old triggers that cannot be removed are replaced by the upsert")
	assert.Len(t, f.cancelled, 2)
	require.Len(t, f.registered, 2)
	assert.Equal(t, rotation.ActionSendWarning, f.registered[0].ev.Action)
	assert.Equal(t, rotation.ActionRotate, f.registered[1].ev.Action)

	next := f.cycle(t)
	assert.Equal(t, rotation.StateScheduled, next.State)
	assert.Equal(t, 1, next.Generation)
}

func TestMachine_RecoversCycleFromTriggers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.provision(t)

	// Each step runs on a fresh machine with an empty store.
	f.setNow(warnAt.Add(30 * time.Second))
	require.NoError(t, f.build(t, store.NewMemoryStore()).OnWarnTrigger(context.Background(), clientID))
	assert.Equal(t, []string{"Credential Rotation Warning: Orders Service"}, subjects(f.sent))
	assert.Contains(t, f.sent[0].body, "Scheduled rotation date: 2025-08-30")

	f.reset()
	f.setNow(rotateAt.Add(30 * time.Second))
	f.issuer.EXPECT().RegenerateSecret(gomock.Any(), clientID).Return("s3cr3t-value", nil).Times(1)
	cold := store.NewMemoryStore()
	require.NoError(t, f.build(t, cold).OnRotateTrigger(context.Background(), clientID))

	assert.Equal(t, []string{"Credentials Rotated: Orders Service"}, subjects(f.sent))
	assert.ElementsMatch(t, []string{
		triggerID(rotation.ActionSendWarning, clientID),
		triggerID(rotation.ActionRotate, clientID),
	}, f.cancelled)

	nextRotate := rotateAt.Add(90 * rotation.Day)
	require.Len(t, f.registered, 2)
	assert.True(t, nextRotate.Add(-14*rotation.Day).Equal(f.registered[0].at))
	assert.True(t, nextRotate.Equal(f.registered[1].at))

	next, err := cold.Get(context.Background(), clientID)
	require.NoError(t, err)
	assert.Equal(t, rotation.StateScheduled, next.State)
	assert.True(t, nextRotate.Equal(next.RotateAt))

	live := f.liveTriggers()
	assert.True(t, nextRotate.Equal(live[triggerID(rotation.ActionRotate, clientID)]))
}

func TestMachine_RecoveryEdgeCases(t *testing.T) {
	t.Parallel()

	t.Run("status derives a missing warning time", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.provision(t)
		f.dropTrigger(triggerID(rotation.ActionSendWarning, clientID))

		c, err := f.build(t, store.NewMemoryStore()).Status(context.Background(), clientID)
		require.NoError(t, err)
		assert.Equal(t, rotation.StateScheduled, c.State)
		assert.True(t, rotateAt.Equal(c.RotateAt))
		assert.True(t, warnAt.Equal(c.WarnAt))
		assert.Empty(t, c.WarnTriggerID)
		assert.Equal(t, triggerID(rotation.ActionRotate, clientID), c.RotateTriggerID)
	})

	t.Run("warning without its trigger is ignored", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.provision(t)
		f.dropTrigger(triggerID(rotation.ActionSendWarning, clientID))
		f.setNow(warnAt)

		require.NoError(t, f.build(t, store.NewMemoryStore()).OnWarnTrigger(context.Background(), clientID))
		assert.Empty(t, f.sent)
	})

	t.Run("early rotate trigger is stale", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.provision(t)
		f.setNow(rotateAt.Add(-time.Hour))

		require.NoError(t, f.build(t, store.NewMemoryStore()).OnRotateTrigger(context.Background(), clientID))
		assert.Empty(t, f.sent)
		assert.Empty(t, f.registered)
	})

	t.Run("deprovision cancels registered triggers", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.provision(t)

		require.NoError(t, f.build(t, store.NewMemoryStore()).Deprovision(context.Background(), clientID))
		assert.Len(t, f.cancelled, 2)
		assert.Empty(t, f.liveTriggers())
	})

	t.Run("lookup failure surfaces", func(t *testing.T) {
		t.Parallel()

		ctrl := gomock.NewController(t)
		triggers := mocks.NewMockTriggerRegistry(ctrl)
		triggers.EXPECT().Lookup(gomock.Any(), rotation.ActionSendWarning, clientID).
			Return(nil, errors.New("throttled"))

		m, err := rotation.NewMachine(rotation.DefaultConfig(),
			mocks.NewMockCredentialIssuer(ctrl), triggers, mocks.NewMockNotifier(ctrl), store.NewMemoryStore(),
			rotation.WithMeterProvider(noop.NewMeterProvider()),
		)
		require.NoError(t, err)

		require.ErrorContains(t, m.OnWarnTrigger(context.Background(), clientID), "throttled")
	})
}

func TestMachine_Deprovision(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	first := f.provision(t)

	require.NoError(t, f.machine.Deprovision(context.Background(), clientID))
	assert.ElementsMatch(t, []string{first.WarnTriggerID, first.RotateTriggerID}, f.cancelled)

	_, err := f.machine.Status(context.Background(), clientID)
	assert.ErrorIs(t, err, rotation.ErrCycleNotFound)

	// Later firings are no-ops.
	f.setNow(rotateAt)
	require.NoError(t, f.machine.OnRotateTrigger(context.Background(), clientID))
	require.NoError(t, f.machine.OnWarnTrigger(context.Background(), clientID))
	assert.Empty(t, f.sent)

	require.NoError(t, f.machine.Deprovision(context.Background(), clientID), "deprovisioning twice succeeds")
}

func TestMachine_Handle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	require.NoError(t, f.machine.Handle(context.Background(),
		rotation.TriggerEvent{Action: rotation.ActionScheduleRotation, ClientID: clientID}))
	assert.Len(t, f.registered, 2)
	f.reset()

	f.setNow(warnAt)
	require.NoError(t, f.machine.Handle(context.Background(),
		rotation.TriggerEvent{Action: rotation.ActionSendWarning, ClientID: clientID}))
	assert.Equal(t, []string{"Credential Rotation Warning: Orders Service"}, subjects(f.sent))
	f.reset()

	require.NoError(t, f.machine.Handle(context.Background(),
		rotation.TriggerEvent{Action: "reticulate_splines", ClientID: clientID}))
	assert.Empty(t, f.sent)
	assert.Empty(t, f.registered)

	f.setNow(rotateAt)
	f.issuer.EXPECT().RegenerateSecret(gomock.Any(), clientID).Return("secret", nil).Times(1)
	require.NoError(t, f.machine.Handle(context.Background(),
		rotation.TriggerEvent{Action: rotation.ActionRotate, ClientID: clientID}))
	assert.Equal(t, []string{"Credentials Rotated: Orders Service"}, subjects(f.sent))
}

func TestMachine_DescribeFailureFallsBackToClientID(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	issuer := mocks.NewMockCredentialIssuer(ctrl)
	triggers := mocks.NewMockTriggerRegistry(ctrl)
	notifier := mocks.NewMockNotifier(ctrl)

	issuer.EXPECT().Describe(gomock.Any(), clientID).Return(nil, errors.New("forbidden"))
	triggers.EXPECT().RegisterAt(gomock.Any(), gomock.Any(), gomock.Any()).Return("id", nil).Times(2)
	notifier.EXPECT().Send(gomock.Any(), "New Client Provisioned: client-a", gomock.Any()).
		Return(errors.New("sns down"))

	m, err := rotation.NewMachine(rotation.DefaultConfig(), issuer, triggers, notifier, store.NewMemoryStore(),
		rotation.WithClock(func() time.Time { return t0 }),
		rotation.WithMeterProvider(noop.NewMeterProvider()),
	)
	require.NoError(t, err)

	cycle, err := m.Provision(context.Background(), clientID)
	require.NoError(t, err, "notification failures are not fatal")
	assert.NotEmpty(t, cycle.ID)
}

func TestNewMachine_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	_, err := rotation.NewMachine(
		rotation.Config{RotationPeriod: 10 * rotation.Day, GracePeriod: 10 * rotation.Day},
		mocks.NewMockCredentialIssuer(ctrl),
		mocks.NewMockTriggerRegistry(ctrl),
		mocks.NewMockNotifier(ctrl),
		store.NewMemoryStore(),
	)
	require.ErrorIs(t, err, rotation.ErrInvalidConfig)

	_, err = rotation.NewMachine(rotation.DefaultConfig(), nil, nil, nil, nil)
	require.Error(t, err)
}

func TestMessagesAreASCII(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.provision(t)
	f.setNow(warnAt)
	require.NoError(t, f.machine.OnWarnTrigger(context.Background(), clientID))

	require.NotEmpty(t, f.sent)
	for _, m := range f.sent {
		for _, r := range m.subject + m.body {
			assert.Less(t, r, rune(128), "message %q", m.subject)
		}
	}
}
