package fanout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/imgjobd/pkg/jobregistry"
)

type mapSource struct {
	mu    sync.Mutex
	snaps map[string]jobregistry.Snapshot
}

func newMapSource(snaps ...jobregistry.Snapshot) *mapSource {
	m := &mapSource{snaps: make(map[string]jobregistry.Snapshot)}
	for _, s := range snaps {
		m.snaps[s.JobID] = s
	}
	return m
}

func (m *mapSource) set(s jobregistry.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[s.JobID] = s
}

func (m *mapSource) remove(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, jobID)
}

func (m *mapSource) Snapshot(jobID string) (jobregistry.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snaps[jobID]
	return s, ok
}

type recordingSub struct {
	id   string
	fail bool
	// delay slows every Send down.
	delay time.Duration
	// hold, when set, blocks every Send after the first until it is closed.
	hold chan struct{}

	mu    sync.Mutex
	snaps []jobregistry.Snapshot
}

func (r *recordingSub) ID() string { return r.id }

func (r *recordingSub) Send(_ context.Context, s jobregistry.Snapshot) error {
	if r.fail {
		return errors.New("connection reset")
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.hold != nil && len(r.received()) > 0 {
		<-r.hold
	}
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
	return nil
}

func (r *recordingSub) received() []jobregistry.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]jobregistry.Snapshot(nil), r.snaps...)
}

func progressSnap(jobID string, pct int) jobregistry.Snapshot {
	return jobregistry.Snapshot{
		JobID:    jobID,
		Status:   jobregistry.StatusProcessing,
		Progress: &jobregistry.Progress{Stage: "generating", Percent: pct},
	}
}

func startHub(t *testing.T, source SnapshotSource) *Hub {
	t.Helper()
	return startHubWithConfig(t, source, Config{})
}

func startHubWithConfig(t *testing.T, source SnapshotSource, cfg Config) *Hub {
	t.Helper()
	hub := NewHub(source, nil, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub
}

func TestHub_SubscribeSendsCurrentStateFirst(t *testing.T) {
	source := newMapSource(progressSnap("j1", 40))
	hub := startHub(t, source)
	ctx := context.Background()

	sub := &recordingSub{id: "s1"}
	require.NoError(t, hub.Subscribe(ctx, "j1", sub))
	hub.Notify(progressSnap("j1", 60))
	require.NoError(t, hub.Sync(ctx))

	got := sub.received()
	require.Len(t, got, 2)
	assert.Equal(t, 40, got[0].Progress.Percent)
	assert.Equal(t, 60, got[1].Progress.Percent)
	assert.Equal(t, 1, hub.Count())
}

func TestHub_NotificationsKeepOrder(t *testing.T) {
	hub := startHub(t, newMapSource(progressSnap("j1", 0)))
	ctx := context.Background()

	sub := &recordingSub{id: "s1"}
	require.NoError(t, hub.Subscribe(ctx, "j1", sub))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for pct := 1; pct <= 100; pct++ {
			hub.Notify(progressSnap("j1", pct))
		}
	}()
	wg.Wait()
	require.NoError(t, hub.Sync(ctx))

	got := sub.received()
	require.Len(t, got, 101)
	for i, s := range got {
		assert.Equal(t, i, s.Progress.Percent)
	}
}

func TestHub_LateSubscriberSeesQueuedState(t *testing.T) {
	// The source reports a different state than the last notification the
	// hub routed; the routed one keeps the stream ordered.
	source := newMapSource(progressSnap("j1", 50))
	hub := startHub(t, source)
	ctx := context.Background()

	hub.Notify(progressSnap("j1", 70))
	sub := &recordingSub{id: "late"}
	require.NoError(t, hub.Subscribe(ctx, "j1", sub))

	got := sub.received()
	require.Len(t, got, 1)
	assert.Equal(t, 70, got[0].Progress.Percent)
}

func TestHub_LateSubscriberSeesTerminalState(t *testing.T) {
	done := jobregistry.Snapshot{JobID: "j1", Status: jobregistry.StatusComplete}
	source := newMapSource(done)
	hub := startHub(t, source)
	ctx := context.Background()

	hub.Notify(done)
	require.NoError(t, hub.Sync(ctx))

	sub := &recordingSub{id: "late"}
	require.NoError(t, hub.Subscribe(ctx, "j1", sub))

	got := sub.received()
	require.Len(t, got, 1)
	assert.Equal(t, jobregistry.StatusComplete, got[0].Status)
}

func TestHub_DeletedJobRejectsSubscribe(t *testing.T) {
	source := newMapSource(progressSnap("j1", 10))
	hub := startHub(t, source)
	ctx := context.Background()

	require.NoError(t, hub.Subscribe(ctx, "j1", &recordingSub{id: "s1"}))

	// A notification produced concurrently with the delete lands after Forget.
	source.remove("j1")
	hub.Forget("j1")
	hub.Notify(progressSnap("j1", 20))
	require.NoError(t, hub.Sync(ctx))
	assert.Equal(t, 0, hub.Count())

	err := hub.Subscribe(ctx, "j1", &recordingSub{id: "s2"})
	assert.ErrorIs(t, err, ErrUnknownJob)
	assert.Equal(t, 0, hub.Count())

	source.set(progressSnap("j2", 0))
	require.NoError(t, hub.Subscribe(ctx, "j2", &recordingSub{id: "s3"}))
}

func TestHub_SlowSubscriberDoesNotDelayOtherJobs(t *testing.T) {
	hub := startHub(t, newMapSource(progressSnap("a", 0), progressSnap("b", 0)))
	ctx := context.Background()

	slow := &recordingSub{id: "slow", delay: 100 * time.Millisecond}
	fast := &recordingSub{id: "fast"}
	require.NoError(t, hub.Subscribe(ctx, "a", slow))
	require.NoError(t, hub.Subscribe(ctx, "b", fast))

	for pct := 1; pct <= 5; pct++ {
		hub.Notify(progressSnap("a", pct))
	}
	sent := time.Now()
	hub.Notify(progressSnap("b", 50))

	require.Eventually(t, func() bool { return len(fast.received()) == 2 },
		time.Second, 2*time.Millisecond)
	assert.Less(t, time.Since(sent), 250*time.Millisecond,
		"delivery for job b waited on job a's subscriber")

	require.NoError(t, hub.Sync(ctx))
	got := slow.received()
	require.Len(t, got, 6)
	for i, s := range got {
		assert.Equal(t, i, s.Progress.Percent)
	}
}

func TestHub_OverflowingSubscriberIsDropped(t *testing.T) {
	hub := startHubWithConfig(t, newMapSource(progressSnap("j1", 0)), Config{SubscriberBuffer: 2})
	ctx := context.Background()

	hold := make(chan struct{})
	defer close(hold)
	stuck := &recordingSub{id: "stuck", hold: hold}
	require.NoError(t, hub.Subscribe(ctx, "j1", stuck))
	assert.Equal(t, 1, hub.Count())

	// One snapshot blocks in Send, two fill the buffer, the rest overflow.
	for pct := 1; pct <= 10; pct++ {
		hub.Notify(progressSnap("j1", pct))
	}
	require.NoError(t, hub.Sync(ctx))

	assert.Equal(t, 0, hub.Count())
	assert.Len(t, stuck.received(), 1)
}

func TestHub_UnknownJob(t *testing.T) {
	hub := startHub(t, newMapSource())
	err := hub.Subscribe(context.Background(), "nope", &recordingSub{id: "s1"})
	assert.ErrorIs(t, err, ErrUnknownJob)
	assert.Equal(t, 0, hub.Count())
}

func TestHub_FailingSubscriberIsDropped(t *testing.T) {
	hub := startHub(t, newMapSource(progressSnap("j1", 0)))
	ctx := context.Background()

	good := &recordingSub{id: "good"}
	require.NoError(t, hub.Subscribe(ctx, "j1", good))

	bad := &recordingSub{id: "bad", fail: true}
	assert.Error(t, hub.Subscribe(ctx, "j1", bad))
	assert.Equal(t, 1, hub.Count())

	hub.Notify(progressSnap("j1", 10))
	require.NoError(t, hub.Sync(ctx))
	assert.Len(t, good.received(), 2)
}

func TestHub_SubscribersAreIsolatedPerJob(t *testing.T) {
	hub := startHub(t, newMapSource(progressSnap("a", 0), progressSnap("b", 0)))
	ctx := context.Background()

	subA := &recordingSub{id: "sa"}
	subB := &recordingSub{id: "sb"}
	require.NoError(t, hub.Subscribe(ctx, "a", subA))
	require.NoError(t, hub.Subscribe(ctx, "b", subB))

	hub.Notify(progressSnap("a", 30))
	require.NoError(t, hub.Sync(ctx))

	assert.Len(t, subA.received(), 2)
	assert.Len(t, subB.received(), 1)
}

func TestHub_UnsubscribeAndForget(t *testing.T) {
	hub := startHub(t, newMapSource(progressSnap("j1", 0)))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, hub.Subscribe(ctx, "j1", &recordingSub{id: fmt.Sprintf("s%d", i)}))
	}
	assert.Equal(t, 3, hub.Count())

	hub.Unsubscribe("j1", "s0")
	hub.Unsubscribe("j1", "unknown")
	require.NoError(t, hub.Sync(ctx))
	assert.Equal(t, 2, hub.Count())

	hub.Forget("j1")
	require.NoError(t, hub.Sync(ctx))
	assert.Equal(t, 0, hub.Count())
}

func TestHub_ClosedRejectsCommands(t *testing.T) {
	hub := NewHub(newMapSource(progressSnap("j1", 0)), nil, Config{})
	hub.Close()
	hub.Close()

	assert.ErrorIs(t, hub.Subscribe(context.Background(), "j1", &recordingSub{id: "s1"}), ErrClosed)
	assert.ErrorIs(t, hub.Sync(context.Background()), ErrClosed)
	hub.Notify(progressSnap("j1", 5))
}

func TestServe_StreamsSnapshotsOverWebSocket(t *testing.T) {
	hub := startHub(t, newMapSource(progressSnap("j1", 25)))
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = Serve(r.Context(), hub, r.URL.Query().Get("job"), conn, nil)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?job=j1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first jobregistry.Snapshot
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "j1", first.JobID)
	assert.Equal(t, 25, first.Progress.Percent)

	hub.Notify(jobregistry.Snapshot{JobID: "j1", Status: jobregistry.StatusComplete})
	var second jobregistry.Snapshot
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, jobregistry.StatusComplete, second.Status)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool { return hub.Count() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestServe_UnknownJobClosesConnection(t *testing.T) {
	hub := startHub(t, newMapSource())
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = Serve(r.Context(), hub, "missing", conn, nil)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}
