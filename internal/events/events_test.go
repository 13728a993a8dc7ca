package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
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

func TestNATSPublisher_Publish(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("taskloop.sessions.s-1.>")
	require.NoError(t, err)

	pub := NewNATSPublisher(nc, "", nil)
	e := New(ActionBlocked, "s-1", map[string]any{"rule": "consecutive_duplicate"})
	require.NoError(t, pub.Publish(context.Background(), e))
	require.NoError(t, pub.Close())

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "taskloop.sessions.s-1.action.blocked", msg.Subject)

	var got Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, ActionBlocked, got.Type)
	assert.Equal(t, "consecutive_duplicate", got.Data["rule"])
	assert.False(t, nc.IsClosed(), "borrowed connection stays open")
}

func TestConnectNATS_OwnsConnection(t *testing.T) {
	server := startTestNATSServer(t)
	pub, err := ConnectNATS(server.ClientURL(), "custom", nil)
	require.NoError(t, err)

	assert.Equal(t, "custom.sessions.x.plan.created", pub.Subject(New(PlanCreated, "x", nil)))
	require.NoError(t, pub.Publish(context.Background(), New(PlanCreated, "x", nil)))
	require.NoError(t, pub.Close())
	assert.True(t, pub.nc.IsClosed())
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))

	require.NoError(t, sink.Publish(context.Background(), New(SessionFailed, "s", map[string]any{"reason": "limit"})))
	require.NoError(t, sink.Publish(context.Background(), New(PlanCreated, "s", nil)))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "limit", entries[0].ContextMap()["reason"])
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
}

type recordingSink struct {
	events []Event
	err    error
}

func (r *recordingSink) Publish(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestMulti(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{err: errors.New("down")}
	m := Multi{a, nil, b}

	err := m.Publish(context.Background(), New(PlanCreated, "s", nil))
	assert.ErrorContains(t, err, "down")
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)

	assert.NoError(t, Nop{}.Publish(context.Background(), Event{}))
}
