package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATSServer(t *testing.T) *server.Server {
	t.Helper()
	opts := &server.Options{
		Host: "127.0.0.1",
		Port: -1, // random port
	}
	ns, err := server.NewServer(opts)
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	return ns
}

func TestNATSSinkPublishesAlert(t *testing.T) {
	ns := startTestNATSServer(t)
	defer ns.Shutdown()

	sink, err := NewNATSSink(NATSSinkConfig{URL: ns.ClientURL(), SubjectPrefix: "test.alerts."})
	require.NoError(t, err)
	defer sink.Close()

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("test.alerts.SIGNAL.bitcoin")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	g := NewGenerator(sink)
	require.NoError(t, g.FromAssessment(context.Background(), approvedAssessment()))

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)

	record, err := Unmarshal(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, KindSignal, record.Kind)
	assert.Equal(t, approvedAssessment().AssessedAt.UnixMilli(), record.Timestamp)
}

func TestNATSSinkRejectsCanceledContext(t *testing.T) {
	ns := startTestNATSServer(t)
	defer ns.Shutdown()

	sink, err := NewNATSSink(NATSSinkConfig{URL: ns.ClientURL()})
	require.NoError(t, err)
	defer sink.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = sink.Accept(ctx, Record{SchemaVersion: SchemaVersion, Kind: KindSignal, Asset: "bitcoin"})
	require.Error(t, err)
}
