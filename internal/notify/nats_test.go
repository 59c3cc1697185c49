package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func newTestPublisher(t *testing.T, server *natsserver.Server) *Publisher {
	t.Helper()

	cfg := DefaultConfig()
	cfg.URL = server.ClientURL()
	pub, err := NewPublisher(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { pub.Close() })
	return pub
}

func TestPublisher_Publish(t *testing.T) {
	server := startTestNATSServer(t)
	pub := newTestPublisher(t, server)

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("vigild.alerts.user-1.followup.missed", ch)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	err = pub.Publish(context.Background(), Event{
		Kind:    KindFollowUpMissed,
		UserRef: "user-1",
		Detail:  "crisis follow-up not answered",
	})
	require.NoError(t, err)

	select {
	case msg := <-ch:
		var ev Event
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, KindFollowUpMissed, ev.Kind)
		assert.Equal(t, "user-1", ev.UserRef)
		assert.Equal(t, "crisis follow-up not answered", ev.Detail)
		assert.False(t, ev.At.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for alert")
	}
}

func TestPublisher_WildcardSubjects(t *testing.T) {
	server := startTestNATSServer(t)
	pub := newTestPublisher(t, server)

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	ch := make(chan *nats.Msg, 2)
	sub, err := nc.ChanSubscribe("vigild.alerts.>", ch)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	ctx := context.Background()
	require.NoError(t, pub.Publish(ctx, Event{Kind: KindCrisisEscalated, UserRef: "user-2"}))
	require.NoError(t, pub.Publish(ctx, Event{Kind: KindFollowUpMissed, UserRef: "user-3"}))

	subjects := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		select {
		case msg := <-ch:
			subjects = append(subjects, msg.Subject)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for alerts")
		}
	}
	assert.Contains(t, subjects, "vigild.alerts.user-2.crisis.escalated")
	assert.Contains(t, subjects, "vigild.alerts.user-3.followup.missed")
}

func TestPublisher_RejectsIncompleteEvent(t *testing.T) {
	server := startTestNATSServer(t)
	pub := newTestPublisher(t, server)

	ctx := context.Background()
	assert.Error(t, pub.Publish(ctx, Event{UserRef: "user-1"}))
	assert.Error(t, pub.Publish(ctx, Event{Kind: KindFollowUpMissed}))
}

func TestPublisher_CancelledContext(t *testing.T) {
	server := startTestNATSServer(t)
	pub := newTestPublisher(t, server)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pub.Publish(ctx, Event{Kind: KindFollowUpMissed, UserRef: "user-1"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.URL = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.SubjectPrefix = ""
	assert.Error(t, cfg.Validate())
}

func TestNoop_Publish(t *testing.T) {
	var n Noop
	assert.NoError(t, n.Publish(context.Background(), Event{Kind: KindCrisisEscalated, UserRef: "u"}))
}
