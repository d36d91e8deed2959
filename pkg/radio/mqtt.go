package radio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTT publishes packets to a broker instead of keying a modem. Useful on
// the bench: subscribe to the topic and watch what the node would have put
// on air.
type MQTT struct {
	client mqtt.Client
	topic  string
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool
}

// NewMQTT creates a transport that publishes every packet to topic on the
// given broker URL (e.g. tcp://localhost:1883).
func NewMQTT(broker, clientID, topic string, logger *slog.Logger) *MQTT {
	t := &MQTT{topic: topic, logger: logger}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		t.setConnected(true)
		logger.Info("mqtt connected", "broker", broker, "topic", topic)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		t.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	t.client = mqtt.NewClient(opts)
	return t
}

// Connect waits for the initial broker connection, respecting ctx.
func (t *MQTT) Connect(ctx context.Context) error {
	token := t.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Send publishes one packet to the configured topic at QoS 1.
func (t *MQTT) Send(ctx context.Context, packet string) error {
	if !t.isConnected() {
		return fmt.Errorf("mqtt client not connected")
	}

	token := t.client.Publish(t.topic, 1, false, []byte(packet))

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("publish packet: %w", err)
			}
			t.logger.Debug("published packet", "topic", t.topic, "bytes", len(packet))
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Close disconnects from the broker. Safe to call more than once.
func (t *MQTT) Close() error {
	if t.client != nil {
		t.client.Disconnect(250)
	}
	t.setConnected(false)
	return nil
}

func (t *MQTT) isConnected() bool {
	t.mu.RLock()
	connected := t.connected
	t.mu.RUnlock()
	return connected && t.client.IsConnected()
}

func (t *MQTT) setConnected(v bool) {
	t.mu.Lock()
	t.connected = v
	t.mu.Unlock()
}
