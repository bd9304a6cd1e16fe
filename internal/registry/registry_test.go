package registry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/suwandre/arbiter/internal/apperr"
	"github.com/suwandre/arbiter/internal/broadcast"
	"github.com/suwandre/arbiter/internal/liquidation"
	"github.com/suwandre/arbiter/internal/observability"
)

// promauto registers into the global default registerer, so every test in
// this package must share one Metrics instance or registration panics.
var (
	sharedMetricsOnce sync.Once
	sharedMetrics     *observability.Metrics
)

func testMetrics() *observability.Metrics {
	sharedMetricsOnce.Do(func() { sharedMetrics = observability.NewMetrics() })
	return sharedMetrics
}

type fakeWindow struct {
	events []liquidation.Event
}

func (f fakeWindow) RecentWindow() []liquidation.Event { return f.events }

func newTestRegistry(cfg Config, window WindowSource) *Registry {
	if window == nil {
		window = fakeWindow{}
	}
	return New(cfg, window, testMetrics(), zerolog.Nop())
}

func drainFrame(t *testing.T, sess *Session) Frame {
	t.Helper()
	select {
	case f := <-sess.Frames():
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a frame")
	}
	return Frame{}
}

func TestAttachEnqueuesConnectedFrame(t *testing.T) {
	r := newTestRegistry(Config{MaxTotalSessions: 10, MaxSessionsPerIP: 10, MissedDataLimit: 100}, nil)
	sess, err := r.Attach(context.Background(), "1.2.3.4", liquidation.Filter{}, 0)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	f := drainFrame(t, sess)
	if f.Kind != FrameConnected {
		t.Fatalf("expected first frame to be %q, got %q", FrameConnected, f.Kind)
	}
}

// P9 / S5 — admission limits, both per-IP and global.
func TestAttachEnforcesPerIPLimit(t *testing.T) {
	r := newTestRegistry(Config{MaxTotalSessions: 100, MaxSessionsPerIP: 3, MissedDataLimit: 100}, nil)
	for i := 0; i < 3; i++ {
		if _, err := r.Attach(context.Background(), "1.2.3.4", liquidation.Filter{}, 0); err != nil {
			t.Fatalf("attach %d: expected success, got %v", i, err)
		}
	}
	if _, err := r.Attach(context.Background(), "1.2.3.4", liquidation.Filter{}, 0); !apperr.Is(err, apperr.KindAdmissionDenied) {
		t.Fatalf("expected the 4th same-IP attach to be denied, got %v", err)
	}
	if _, err := r.Attach(context.Background(), "5.6.7.8", liquidation.Filter{}, 0); err != nil {
		t.Fatalf("expected a different IP to be admitted, got %v", err)
	}
}

func TestAttachEnforcesTotalLimit(t *testing.T) {
	r := newTestRegistry(Config{MaxTotalSessions: 1, MaxSessionsPerIP: 10, MissedDataLimit: 100}, nil)
	if _, err := r.Attach(context.Background(), "1.1.1.1", liquidation.Filter{}, 0); err != nil {
		t.Fatalf("expected first attach to succeed: %v", err)
	}
	if _, err := r.Attach(context.Background(), "2.2.2.2", liquidation.Filter{}, 0); !apperr.Is(err, apperr.KindAdmissionDenied) {
		t.Fatalf("expected total-limit denial, got %v", err)
	}
}

func TestAttachRejectsCancelledContext(t *testing.T) {
	r := newTestRegistry(Config{MaxTotalSessions: 10, MaxSessionsPerIP: 10, MissedDataLimit: 100}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Attach(ctx, "1.1.1.1", liquidation.Filter{}, 0); err == nil {
		t.Fatalf("expected attach to reject an already-cancelled context")
	}
}

func TestDetachIsIdempotent(t *testing.T) {
	r := newTestRegistry(Config{MaxTotalSessions: 10, MaxSessionsPerIP: 10, MissedDataLimit: 100}, nil)
	sess, _ := r.Attach(context.Background(), "1.1.1.1", liquidation.Filter{}, 0)
	r.Detach(sess.ID)
	r.Detach(sess.ID) // must not panic
	if r.Count() != 0 {
		t.Fatalf("expected 0 sessions after detach, got %d", r.Count())
	}
}

// P4 — a session receives e iff f(e), for any e with e.tid > lastEventId.
func TestBroadcastLocalAppliesFilter(t *testing.T) {
	r := newTestRegistry(Config{MaxTotalSessions: 10, MaxSessionsPerIP: 10, MissedDataLimit: 100}, nil)
	sess, _ := r.Attach(context.Background(), "1.1.1.1", liquidation.Filter{Coin: "BTC"}, 0)
	drainFrame(t, sess) // connected frame

	r.BroadcastLocal(broadcast.Message{Events: []liquidation.Event{
		{TID: 1, Coin: "BTC", Notional: 10},
		{TID: 2, Coin: "ETH", Notional: 10},
	}})

	f := drainFrame(t, sess)
	if f.Kind != FrameLiquidation {
		t.Fatalf("expected a liquidation frame, got %q", f.Kind)
	}
	var ev liquidation.Event
	if err := json.Unmarshal(f.Data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Coin != "BTC" {
		t.Fatalf("expected only the BTC event to be delivered, got %+v", ev)
	}

	select {
	case extra := <-sess.Frames():
		t.Fatalf("expected no further frames (ETH should be filtered out), got %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

// P3 — deliveries to one session are strictly ascending by tid.
func TestBroadcastLocalDeliversAscendingTID(t *testing.T) {
	r := newTestRegistry(Config{MaxTotalSessions: 10, MaxSessionsPerIP: 10, MissedDataLimit: 100}, nil)
	sess, _ := r.Attach(context.Background(), "1.1.1.1", liquidation.Filter{}, 0)
	drainFrame(t, sess) // connected

	r.BroadcastLocal(broadcast.Message{Events: []liquidation.Event{
		{TID: 9}, {TID: 3}, {TID: 7},
	}})

	var last int64
	for i := 0; i < 3; i++ {
		f := drainFrame(t, sess)
		if f.ID == nil {
			t.Fatalf("expected a tid on every liquidation frame")
		}
		if *f.ID <= last {
			t.Fatalf("expected strictly ascending tids, got %d after %d", *f.ID, last)
		}
		last = *f.ID
	}
}

// Idempotence: rebroadcasting the same batch delivers each event at most
// once, since tid <= lastEventId is skipped on the second pass.
func TestBroadcastLocalIsIdempotentOnRepeat(t *testing.T) {
	r := newTestRegistry(Config{MaxTotalSessions: 10, MaxSessionsPerIP: 10, MissedDataLimit: 100}, nil)
	sess, _ := r.Attach(context.Background(), "1.1.1.1", liquidation.Filter{}, 0)
	drainFrame(t, sess)

	msg := broadcast.Message{Events: []liquidation.Event{{TID: 1}, {TID: 2}}}
	r.BroadcastLocal(msg)
	drainFrame(t, sess)
	drainFrame(t, sess)

	r.BroadcastLocal(msg) // resend the identical batch
	select {
	case f := <-sess.Frames():
		t.Fatalf("expected no redelivery of already-seen tids, got %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

// P8 / S4 — resume replay delivers only tid > resumeFrom, filtered, ascending.
func TestReplayOnAttachDeliversOnlyMissedAndFiltered(t *testing.T) {
	window := fakeWindow{events: []liquidation.Event{
		{TID: 101, Coin: "ETH"},
		{TID: 102, Coin: "BTC"},
		{TID: 103, Coin: "ETH"},
		{TID: 104, Coin: "BTC"},
		{TID: 100, Coin: "BTC"}, // already seen, must not be replayed
	}}
	r := newTestRegistry(Config{MaxTotalSessions: 10, MaxSessionsPerIP: 10, MissedDataLimit: 100}, window)
	sess, err := r.Attach(context.Background(), "1.1.1.1", liquidation.Filter{Coin: "BTC"}, 100)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	drainFrame(t, sess) // connected frame

	var tids []int64
	for i := 0; i < 2; i++ {
		f := drainFrame(t, sess)
		var ev liquidation.Event
		json.Unmarshal(f.Data, &ev)
		tids = append(tids, ev.TID)
	}
	if len(tids) != 2 || tids[0] != 102 || tids[1] != 104 {
		t.Fatalf("expected replay [102,104] ascending, got %v", tids)
	}
}

func TestReplayTruncatesBeyondMissedDataLimit(t *testing.T) {
	events := make([]liquidation.Event, 0, 10)
	for i := int64(1); i <= 10; i++ {
		events = append(events, liquidation.Event{TID: i})
	}
	window := fakeWindow{events: events}
	r := newTestRegistry(Config{MaxTotalSessions: 10, MaxSessionsPerIP: 10, MissedDataLimit: 3}, window)
	sess, err := r.Attach(context.Background(), "1.1.1.1", liquidation.Filter{}, 1)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	drainFrame(t, sess) // connected

	var liqFrames []Frame
	var truncatedFrame *Frame
	for i := 0; i < 4; i++ {
		f := drainFrame(t, sess)
		if f.Kind == FrameTruncated {
			truncatedFrame = &f
			continue
		}
		liqFrames = append(liqFrames, f)
	}
	if len(liqFrames) != 3 {
		t.Fatalf("expected exactly MissedDataLimit=3 replayed events, got %d", len(liqFrames))
	}
	if truncatedFrame == nil {
		t.Fatalf("expected a truncated control frame")
	}
}

// Regression: a replay set larger than the old fixed sessionBufferSize but
// within MissedDataLimit must fully land, since the session buffer is now
// sized to cover MissedDataLimit plus control frames.
func TestReplayLargerThanOldFixedBufferStillDeliversInFull(t *testing.T) {
	events := make([]liquidation.Event, 0, 80)
	for i := int64(1); i <= 80; i++ {
		events = append(events, liquidation.Event{TID: 100 + i})
	}
	window := fakeWindow{events: events}
	r := newTestRegistry(Config{MaxTotalSessions: 10, MaxSessionsPerIP: 10, MissedDataLimit: 100}, window)
	sess, err := r.Attach(context.Background(), "1.1.1.1", liquidation.Filter{}, 100)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	drainFrame(t, sess) // connected

	var tids []int64
	for i := 0; i < 80; i++ {
		f := drainFrame(t, sess)
		var ev liquidation.Event
		json.Unmarshal(f.Data, &ev)
		tids = append(tids, ev.TID)
	}
	if len(tids) != 80 || tids[0] != 101 || tids[79] != 180 {
		t.Fatalf("expected all 80 missed events delivered ascending, got %v", tids)
	}

	select {
	case f := <-sess.Frames():
		t.Fatalf("expected no truncated frame for a replay within MissedDataLimit, got %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHeartbeatTickEnqueuesFrame(t *testing.T) {
	r := newTestRegistry(Config{MaxTotalSessions: 10, MaxSessionsPerIP: 10, MissedDataLimit: 100}, nil)
	sess, _ := r.Attach(context.Background(), "1.1.1.1", liquidation.Filter{}, 0)
	drainFrame(t, sess)

	r.HeartbeatTick()
	f := drainFrame(t, sess)
	if f.Kind != FrameHeartbeat {
		t.Fatalf("expected a heartbeat frame, got %q", f.Kind)
	}
}

func TestShutdownClosesAllSessions(t *testing.T) {
	r := newTestRegistry(Config{MaxTotalSessions: 10, MaxSessionsPerIP: 10, MissedDataLimit: 100}, nil)
	sess, _ := r.Attach(context.Background(), "1.1.1.1", liquidation.Filter{}, 0)
	drainFrame(t, sess)

	r.Shutdown()
	<-sess.Done()
	if r.Count() != 0 {
		t.Fatalf("expected all sessions detached after shutdown")
	}
}
