package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"steriltrace.org/internal/steril"
	"steriltrace.org/internal/store/memory"
)

type recorder struct {
	mu     sync.Mutex
	events []steril.Event
}

func (r *recorder) Notify(_ context.Context, evt steril.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.ID
	}
	return out
}

func TestLogLevelsFollowSeverity(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	n := NewLog(zap.New(core))

	n.Notify(context.Background(), steril.Event{ID: "a", Kind: steril.EventControlPositiveAlert, Severity: steril.SeverityCritical, ControlID: "c-1"})
	n.Notify(context.Background(), steril.Event{ID: "b", Kind: steril.EventLotFailed, Severity: steril.SeverityHigh, LotID: "lot-1"})
	days := 3
	n.Notify(context.Background(), steril.Event{ID: "c", Kind: steril.EventMaintenanceDue, Severity: steril.SeverityInfo, DaysRemaining: &days})

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "c-1", entries[0].ContextMap()["control_id"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[2].Level)
	assert.EqualValues(t, 3, entries[2].ContextMap()["days_remaining"])
}

func TestMultiSkipsNil(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Multi{a, nil, b}.Notify(context.Background(), steril.Event{ID: "e1"})
	assert.Equal(t, []string{"e1"}, a.ids())
	assert.Equal(t, []string{"e1"}, b.ids())
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec, zap.NewNop(), 8)
	for _, id := range []string{"1", "2", "3"} {
		d.Notify(context.Background(), steril.Event{ID: id})
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
	assert.Equal(t, []string{"1", "2", "3"}, rec.ids())
}

func TestDispatcherSurvivesCancelledCaller(t *testing.T) {
	var got error
	done := make(chan struct{})
	d := NewDispatcher(steril.NotifierFunc(func(ctx context.Context, _ steril.Event) {
		got = ctx.Err()
		close(done)
	}), zap.NewNop(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Notify(ctx, steril.Event{ID: "x"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("event not delivered")
	}
	assert.NoError(t, got)
	require.NoError(t, d.Close(context.Background()))
}

// gatedSink blocks its first delivery until release is closed, then records
// every event it receives.
type gatedSink struct {
	recorder
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedSink() *gatedSink {
	return &gatedSink{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedSink) Notify(ctx context.Context, evt steril.Event) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.started)
		<-g.release
	}
	g.recorder.Notify(ctx, evt)
}

func TestDispatcherDropsNonCriticalWhenFull(t *testing.T) {
	sink := newGatedSink()
	core, logs := observer.New(zapcore.WarnLevel)
	d := NewDispatcher(sink, zap.New(core), 1)

	d.Notify(context.Background(), steril.Event{ID: "busy"})
	<-sink.started
	d.Notify(context.Background(), steril.Event{ID: "queued"})
	d.Notify(context.Background(), steril.Event{ID: "dropped", Severity: steril.SeverityHigh})

	require.Equal(t, 1, logs.FilterMessage("notification dropped").Len())
	assert.Equal(t, "dropped", logs.All()[0].ContextMap()["event_id"])

	close(sink.release)
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, []string{"busy", "queued"}, sink.ids())
}

func TestDispatcherKeepsCriticalWhenFull(t *testing.T) {
	sink := newGatedSink()
	core, logs := observer.New(zapcore.WarnLevel)
	d := NewDispatcher(sink, zap.New(core), 1)

	d.Notify(context.Background(), steril.Event{ID: "busy"})
	<-sink.started
	d.Notify(context.Background(), steril.Event{ID: "queued"})
	d.Notify(context.Background(), steril.Event{ID: "alert", Severity: steril.SeverityCritical})

	assert.Zero(t, logs.FilterMessage("notification dropped").Len())

	close(sink.release)
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, []string{"busy", "alert", "queued"}, sink.ids())
}

func TestDispatcherDeliversPositiveControlAlertThroughBusySink(t *testing.T) {
	sink := newGatedSink()
	d := NewDispatcher(sink, zap.NewNop(), 1)
	svc := steril.NewService(memory.New(), steril.WithNotifier(d))
	ctx := context.Background()

	ac, err := svc.RegisterAutoclave(ctx, steril.AutoclaveSpec{
		Name:            "Chamber 1",
		Serial:          "SN-1",
		NextMaintenance: time.Now().AddDate(0, 3, 0),
	})
	require.NoError(t, err)
	lot, err := svc.OpenLot(ctx, steril.OpenLotInput{
		AutoclaveID: ac.ID,
		OperatorID:  "op-1",
		Packages:    []steril.PackageInput{{Content: "exam kit"}},
	})
	require.NoError(t, err)

	d.Notify(ctx, steril.Event{ID: "busy"})
	<-sink.started
	d.Notify(ctx, steril.Event{ID: "filler"})

	out, err := svc.RegisterControl(ctx, steril.ControlInput{
		Kind:            steril.ControlBiological,
		LotID:           lot.ID,
		AutoclaveID:     ac.ID,
		IndicatorLot:    "IND-1",
		IndicatorExpiry: time.Now().AddDate(1, 0, 0),
		Result:          steril.ResultPositive,
		UserID:          "op-1",
	})
	require.NoError(t, err)
	require.True(t, out.LotFailed)

	close(sink.release)
	require.NoError(t, d.Close(ctx))

	var alerts int
	sink.mu.Lock()
	for _, evt := range sink.events {
		if evt.Kind == steril.EventControlPositiveAlert {
			alerts++
			assert.Equal(t, out.Control.ID, evt.ControlID)
		}
	}
	sink.mu.Unlock()
	assert.Equal(t, 1, alerts)
}

func TestDispatcherDeliversCriticalInlineAfterClose(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec, zap.NewNop(), 4)
	require.NoError(t, d.Close(context.Background()))

	d.Notify(context.Background(), steril.Event{ID: "late-alert", Severity: steril.SeverityCritical})
	assert.Equal(t, []string{"late-alert"}, rec.ids())
}

func TestDispatcherDropsAfterClose(t *testing.T) {
	rec := &recorder{}
	core, logs := observer.New(zapcore.WarnLevel)
	d := NewDispatcher(rec, zap.New(core), 4)
	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, d.Close(context.Background()))

	d.Notify(context.Background(), steril.Event{ID: "late"})
	assert.Empty(t, rec.ids())
	assert.Equal(t, 1, logs.FilterMessage("notification dropped").Len())
}

type fakePublisher struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
	err      error
	failures int
}

func (f *fakePublisher) Publish(_ context.Context, channel string, message any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channel)
	f.payloads = append(f.payloads, message.([]byte))
	if f.failures > 0 {
		f.failures--
		return redis.NewIntResult(0, errors.New("connection reset"))
	}
	return redis.NewIntResult(1, f.err)
}

func TestRedisPublishesCriticalTwice(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRedis(pub, "steril.events", zap.NewNop())

	r.Notify(context.Background(), steril.Event{ID: "e1", Kind: steril.EventLotFailed, Severity: steril.SeverityHigh})
	r.Notify(context.Background(), steril.Event{ID: "e2", Kind: steril.EventControlPositiveAlert, Severity: steril.SeverityCritical})

	assert.Equal(t, []string{"steril.events", "steril.events", "steril.events.critical"}, pub.channels)
	var evt steril.Event
	require.NoError(t, json.Unmarshal(pub.payloads[2], &evt))
	assert.Equal(t, "e2", evt.ID)
	assert.Equal(t, steril.SeverityCritical, evt.Severity)
}

func TestRedisLogsPublishFailureAfterRetries(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	pub := &fakePublisher{err: errors.New("connection refused")}
	r := NewRedis(pub, "ch", zap.New(core), WithRetry(3, time.Millisecond, time.Millisecond))

	r.Notify(context.Background(), steril.Event{ID: "e1"})
	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "ch", fields["channel"])
	assert.EqualValues(t, 3, fields["attempts"])
	assert.Len(t, pub.channels, 3)
}

func TestRedisRetriesCriticalAlert(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	pub := &fakePublisher{failures: 2}
	r := NewRedis(pub, "ch", zap.New(core), WithRetry(5, time.Millisecond, time.Millisecond))

	r.Notify(context.Background(), steril.Event{ID: "a1", Kind: steril.EventControlPositiveAlert, Severity: steril.SeverityCritical})

	assert.Zero(t, logs.Len())
	assert.Equal(t, []string{"ch", "ch", "ch", "ch.critical"}, pub.channels)
}
