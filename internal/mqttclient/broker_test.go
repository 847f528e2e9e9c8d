package mqttclient

import (
	"fmt"
	"net"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startBroker runs an in-process broker on a free local port.
func startBroker(t *testing.T) (*mochi.Server, string) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	server := mochi.New(&mochi.Options{InlineClient: true})
	require.NoError(t, server.AddHook(new(auth.AllowHook), nil))
	require.NoError(t, server.AddListener(listeners.NewTCP(listeners.Config{ID: "test", Address: addr})))
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(func() { _ = server.Close() })
	return server, "tcp://" + addr
}

func TestClientAgainstBroker(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a local MQTT broker")
	}
	server, url := startBroker(t)

	availability := make(chan string, 4)
	require.NoError(t, server.Subscribe("subcheck/jobs/availability", 2, func(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
		select {
		case availability <- string(pk.Payload):
		default:
		}
	}))

	var c *Client
	require.Eventually(t, func() bool {
		var err error
		c, err = Connect(Options{
			BrokerURL: url,
			ClientID:  fmt.Sprintf("subcheck-test-%d", time.Now().UnixNano()),
			Topics:    "subcheck/jobs/submit",

			AvailabilityTopic: "subcheck/jobs/availability",

			Log: zerolog.Nop(),
		})
		return err == nil
	}, 5*time.Second, 50*time.Millisecond, "connect to broker")
	defer c.Close()

	require.Eventually(t, c.IsConnected, 5*time.Second, 10*time.Millisecond)

	select {
	case v := <-availability:
		assert.Equal(t, "online", v)
	case <-time.After(5 * time.Second):
		t.Fatal("no availability message after connect")
	}

	t.Run("receives_submissions", func(t *testing.T) {
		got := make(chan string, 4)
		c.SetMessageHandler(func(topic string, payload []byte) {
			got <- topic + " " + string(payload)
		})

		// the subscription is made in the connect callback, so retry until
		// the first message lands
		var msg string
		require.Eventually(t, func() bool {
			_ = server.Publish("subcheck/jobs/submit", []byte(`{"source":"a.wav"}`), false, 0)
			select {
			case msg = <-got:
				return true
			case <-time.After(100 * time.Millisecond):
				return false
			}
		}, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, `subcheck/jobs/submit {"source":"a.wav"}`, msg)
	})

	t.Run("publishes_status", func(t *testing.T) {
		got := make(chan packets.Packet, 1)
		err := server.Subscribe("subcheck/jobs/+/status", 1, func(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
			select {
			case got <- pk:
			default:
			}
		})
		require.NoError(t, err)

		require.NoError(t, c.Publish("subcheck/jobs/job-1/status", []byte(`{"stage":"completed"}`), true))
		select {
		case pk := <-got:
			assert.Equal(t, "subcheck/jobs/job-1/status", pk.TopicName)
			assert.JSONEq(t, `{"stage":"completed"}`, string(pk.Payload))
		case <-time.After(5 * time.Second):
			t.Fatal("broker never saw the status message")
		}
	})
}
