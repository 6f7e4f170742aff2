// Package emitter publishes recognition results and recognizer availability
// to an MQTT broker so other processes can follow along.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Sped0n/texa/internal/types"
)

const (
	DefaultTopic   = "texa"
	publishTimeout = 2 * time.Second
)

type Config struct {
	Broker   string // host:port, or a full tcp:// / ws:// URL
	ClientID string
	Topic    string // prefix; results go to <Topic>/results
	QoS      byte
}

// ResultMessage is the JSON payload of <Topic>/results.
type ResultMessage struct {
	RequestID  string    `json:"request_id"`
	Source     string    `json:"source"`
	Mode       string    `json:"mode"`
	Ok         bool      `json:"ok"`
	Text       string    `json:"text,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// AvailabilityMessage is the retained payload of <Topic>/availability.
type AvailabilityMessage struct {
	Available bool      `json:"available"`
	Timestamp time.Time `json:"timestamp"`
}

// MQTTEmitter publishes to a single broker.
type MQTTEmitter struct {
	cfg    Config
	Client mqtt.Client

	mu        sync.Mutex
	published uint64
	errors    uint64
}

type Stats struct {
	Published uint64
	Errors    uint64
}

func NewMQTTEmitter(cfg Config) *MQTTEmitter {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	cfg.Topic = strings.TrimSuffix(cfg.Topic, "/")
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("texa-%d", time.Now().UnixNano())
	}
	return &MQTTEmitter{cfg: cfg}
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes the broker connection. Later drops reconnect on their own.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		slog.Info("mqtt connection established", "broker", e.cfg.Broker, "client_id", e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		slog.Warn("mqtt connection lost, will auto-reconnect", "error", err, "broker", e.cfg.Broker)
	}

	e.Client = mqtt.NewClient(opts)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

func (e *MQTTEmitter) ResultsTopic() string      { return e.cfg.Topic + "/results" }
func (e *MQTTEmitter) AvailabilityTopic() string { return e.cfg.Topic + "/availability" }

// PublishResult sends one result and waits for the broker to take it.
func (e *MQTTEmitter) PublishResult(res types.InferResult, source string, mode types.Mode) error {
	payload, err := json.Marshal(ResultMessage{
		RequestID:  res.RequestID.String(),
		Source:     source,
		Mode:       string(mode),
		Ok:         res.Ok(),
		Text:       res.Text,
		Error:      res.Err,
		DurationMs: res.Duration.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return e.publish(e.ResultsTopic(), false, payload)
}

// PublishAvailability does not wait for delivery: it runs inside
// availability observers, which must return promptly.
func (e *MQTTEmitter) PublishAvailability(available bool) {
	payload, _ := json.Marshal(AvailabilityMessage{Available: available, Timestamp: time.Now().UTC()})
	if !e.connected() {
		e.countError()
		return
	}

	token := e.Client.Publish(e.AvailabilityTopic(), e.cfg.QoS, true, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
			e.countError()
			slog.Debug("availability publish failed", "error", token.Error())
			return
		}
		e.countPublished()
	}()
}

func (e *MQTTEmitter) publish(topic string, retained bool, payload []byte) error {
	if !e.connected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := e.Client.Publish(topic, e.cfg.QoS, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.countPublished()
	slog.Debug("result published", "topic", topic, "size", len(payload))
	return nil
}

func (e *MQTTEmitter) Disconnect() {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250)
		slog.Debug("mqtt disconnected")
	}
}

func (e *MQTTEmitter) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{Published: e.published, Errors: e.errors}
}

func (e *MQTTEmitter) connected() bool {
	return e.Client != nil && e.Client.IsConnected()
}

func (e *MQTTEmitter) countPublished() {
	e.mu.Lock()
	e.published++
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
