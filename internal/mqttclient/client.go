// Package mqttclient wraps the paho client: it publishes job snapshots and
// subscribes to job request topics.
package mqttclient

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

var ErrNotConnected = errors.New("mqtt not connected")

type MessageHandler func(topic string, payload []byte)

type Client struct {
	conn      mqtt.Client
	topics    []string
	connected atomic.Bool
	log       zerolog.Logger
	handler   atomic.Pointer[MessageHandler]
	timeout   time.Duration

	availability string
}

type Options struct {
	BrokerURL string
	ClientID  string
	Topics    string // comma-separated subscriptions, may be empty
	Username  string
	Password  string

	// AvailabilityTopic, when set, carries a retained "online" while the
	// client is connected and "offline" after Close or as the broker will.
	AvailabilityTopic string

	Log zerolog.Logger
}

func Connect(opts Options) (*Client, error) {
	c := &Client{
		topics:  parseTopics(opts.Topics),
		log:     opts.Log.With().Str("component", "mqtt").Logger(),
		timeout: 5 * time.Second,

		availability: opts.AvailabilityTopic,
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(c.onMessage)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}
	if opts.AvailabilityTopic != "" {
		clientOpts.SetWill(opts.AvailabilityTopic, "offline", 1, true)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Client) SetMessageHandler(h MessageHandler) {
	c.handler.Store(&h)
}

// Publish sends payload at QoS 1. It waits at most a few seconds for the
// broker acknowledgement.
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	token := c.conn.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(c.timeout) {
		return errors.New("mqtt publish timed out")
	}
	return token.Error()
}

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	if c.availability != "" {
		client.Publish(c.availability, 1, true, "online")
	}
	if len(c.topics) == 0 {
		c.log.Info().Msg("mqtt connected")
		return
	}
	c.log.Info().Strs("topics", c.topics).Msg("mqtt connected, subscribing")

	filters := make(map[string]byte, len(c.topics))
	for _, t := range c.topics {
		filters[t] = 1
	}
	token := client.SubscribeMultiple(filters, nil)
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.Error().Err(err).Msg("mqtt subscribe failed")
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if h := c.handler.Load(); h != nil && *h != nil {
		(*h)(msg.Topic(), msg.Payload())
		return
	}
	c.log.Debug().
		Str("topic", msg.Topic()).
		Int("payload_size", len(msg.Payload())).
		Msg("mqtt message received")
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	if c.availability != "" && c.connected.Load() {
		c.conn.Publish(c.availability, 1, true, "offline").WaitTimeout(c.timeout)
	}
	c.conn.Disconnect(1000)
}

func parseTopics(raw string) []string {
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}
