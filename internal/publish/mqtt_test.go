package publish

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lanecount/internal/broadcast"
	"github.com/banshee-data/lanecount/internal/lane"
)

type fakeCounter struct {
	mu     sync.Mutex
	snap   lane.Snapshot
	resets []string
	hub    *broadcast.Hub
}

func (f *fakeCounter) Snapshot() lane.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.snap
	s.Lanes = append([]lane.LaneSnapshot(nil), f.snap.Lanes...)
	return s
}

func (f *fakeCounter) Reset(_ context.Context, origin string) lane.Snapshot {
	f.mu.Lock()
	f.resets = append(f.resets, origin)
	for i := range f.snap.Lanes {
		f.snap.Lanes[i].Count = 0
	}
	f.snap.Total = 0
	f.snap.SessionID = "after-reset"
	f.mu.Unlock()
	f.hub.Notify()
	return f.Snapshot()
}

func (f *fakeCounter) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resets)
}

type received struct {
	mu   sync.Mutex
	msgs map[string][][]byte
}

func (r *received) add(topic string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs[topic] = append(r.msgs[topic], append([]byte(nil), payload...))
}

func (r *received) last(topic string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.msgs[topic]
	if len(m) == 0 {
		return nil
	}
	return m[len(m)-1]
}

func startBroker(t *testing.T) (*mochi.Server, string) {
	t.Helper()
	server := mochi.New(&mochi.Options{InlineClient: true})
	require.NoError(t, server.AddHook(new(auth.AllowHook), nil))

	tcp := listeners.NewTCP(listeners.Config{ID: "t1", Address: "127.0.0.1:0"})
	require.NoError(t, server.AddListener(tcp))
	require.NoError(t, server.Serve())
	t.Cleanup(func() { server.Close() })
	return server, tcp.Address()
}

func TestPublisher(t *testing.T) {
	server, addr := startBroker(t)

	got := &received{msgs: map[string][][]byte{}}
	require.NoError(t, server.Subscribe("test/#", 1, func(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
		got.add(pk.TopicName, pk.Payload)
	}))

	fc := &fakeCounter{snap: lane.Snapshot{
		Lanes:     []lane.LaneSnapshot{{Lane: 1, Count: 2, SensorOK: true}, {Lane: 2, Count: 1, SensorOK: true}},
		Total:     3,
		SessionID: "before-reset",
	}}
	hub := broadcast.NewHub(fc.Snapshot, 0)
	fc.hub = hub
	pub := New(hub, fc, Options{Broker: addr, Prefix: "test", ClientID: "lanecount-test", RetryInterval: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	done := make(chan error, 1)
	go func() { done <- pub.Run(ctx) }()

	require.Eventually(t, func() bool { return got.last("test/state") != nil },
		5*time.Second, 10*time.Millisecond, "no state published")
	var snap lane.Snapshot
	require.NoError(t, json.Unmarshal(got.last("test/state"), &snap))
	assert.Equal(t, uint64(3), snap.Total)
	assert.Equal(t, "before-reset", snap.SessionID)

	pub.OnCount(fc.Snapshot(), 1)
	require.Eventually(t, func() bool { return got.last("test/lanes/2/count") != nil },
		5*time.Second, 10*time.Millisecond, "no count published")
	var cm CountMessage
	require.NoError(t, json.Unmarshal(got.last("test/lanes/2/count"), &cm))
	assert.Equal(t, CountMessage{Lane: 2, Count: 1, Total: 3, SessionID: "before-reset"}, cm)

	// The reset subscription may not be in place yet; keep publishing until
	// it lands.
	require.Eventually(t, func() bool {
		if fc.resetCount() > 0 {
			return true
		}
		_ = server.Publish("test/cmd/reset", nil, false, 1)
		return false
	}, 5*time.Second, 50*time.Millisecond, "reset command not handled")
	fc.mu.Lock()
	assert.Equal(t, "mqtt", fc.resets[0])
	fc.mu.Unlock()

	require.Eventually(t, func() bool {
		var s lane.Snapshot
		return json.Unmarshal(got.last("test/state"), &s) == nil && s.SessionID == "after-reset"
	}, 5*time.Second, 10*time.Millisecond, "state after reset not published")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("publisher did not stop")
	}
}

func TestPublisherIgnoresRetainedReset(t *testing.T) {
	server, addr := startBroker(t)
	require.NoError(t, server.Publish("test/cmd/reset", []byte("{}"), true, 1))

	got := &received{msgs: map[string][][]byte{}}
	require.NoError(t, server.Subscribe("test/state", 1, func(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
		got.add(pk.TopicName, pk.Payload)
	}))

	fc := &fakeCounter{snap: lane.Snapshot{Total: 4, SessionID: "live"}}
	hub := broadcast.NewHub(fc.Snapshot, 0)
	fc.hub = hub
	pub := New(hub, fc, Options{Broker: addr, Prefix: "test", ClientID: "lanecount-retained", RetryInterval: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	done := make(chan error, 1)
	go func() { done <- pub.Run(ctx) }()

	require.Eventually(t, func() bool { return got.last("test/state") != nil },
		5*time.Second, 10*time.Millisecond, "no state published")
	// The state goes out after the reset subscription is acknowledged, so a
	// replayed retained command would already have arrived.
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, fc.resetCount(), "retained reset must not clear live counts")

	require.Eventually(t, func() bool {
		if fc.resetCount() > 0 {
			return true
		}
		_ = server.Publish("test/cmd/reset", nil, false, 1)
		return false
	}, 5*time.Second, 50*time.Millisecond, "live reset not handled")

	cancel()
	<-done
}

func TestPublisherRetriesUnreachableBroker(t *testing.T) {
	fc := &fakeCounter{}
	hub := broadcast.NewHub(fc.Snapshot, 0)
	fc.hub = hub
	pub := New(hub, fc, Options{Broker: "127.0.0.1:1", RetryInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, pub.Run(ctx))
}

func TestOnCountIgnoresUnknownLane(t *testing.T) {
	pub := New(nil, nil, Options{})
	pub.OnCount(lane.Snapshot{Lanes: []lane.LaneSnapshot{{Lane: 1}}}, 3)
	pub.OnCount(lane.Snapshot{}, -1)
	assert.Empty(t, pub.counts)
}

func TestTopics(t *testing.T) {
	pub := New(nil, nil, Options{})
	assert.Equal(t, "lanecount/state", pub.StateTopic())
	assert.Equal(t, "lanecount/cmd/reset", pub.ResetTopic())
	assert.Equal(t, "lanecount/lanes/4/count", pub.CountTopic(4))
}
