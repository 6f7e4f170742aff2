package emitter

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Sped0n/texa/internal/types"
	"github.com/google/uuid"
)

type fakeToken struct {
	mqtt.Token
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool { return !t.timeout }

func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.timeout {
		close(ch)
	}
	return ch
}

func (t *fakeToken) Error() error { return t.err }

type message struct {
	topic    string
	retained bool
	payload  []byte
}

// fakeClient records publishes. Only the methods the emitter calls are real.
type fakeClient struct {
	mqtt.Client
	connected bool
	token     *fakeToken

	mu   sync.Mutex
	sent []message
}

func (c *fakeClient) IsConnected() bool { return c.connected }

func (c *fakeClient) Disconnect(uint) { c.connected = false }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	c.sent = append(c.sent, message{topic, retained, payload.([]byte)})
	c.mu.Unlock()
	if c.token != nil {
		return c.token
	}
	return &fakeToken{}
}

func (c *fakeClient) messages() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.sent...)
}

func newTestEmitter(client *fakeClient) *MQTTEmitter {
	e := NewMQTTEmitter(Config{Broker: "localhost:1883", Topic: "lab/texa/"})
	e.Client = client
	return e
}

func TestPublishResult(t *testing.T) {
	client := &fakeClient{connected: true}
	e := newTestEmitter(client)

	id := uuid.New()
	res := types.InferOk(id, "x^2+y^2=z^2")
	res.Duration = 1500 * time.Millisecond

	if err := e.PublishResult(res, "pythagoras.png", types.ModeFormulaOnly); err != nil {
		t.Fatalf("PublishResult failed: %v", err)
	}

	sent := client.messages()
	if len(sent) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(sent))
	}
	if sent[0].topic != "lab/texa/results" || sent[0].retained {
		t.Errorf("Unexpected topic %q retained=%t", sent[0].topic, sent[0].retained)
	}

	var msg ResultMessage
	if err := json.Unmarshal(sent[0].payload, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.RequestID != id.String() || !msg.Ok || msg.Text != "x^2+y^2=z^2" || msg.DurationMs != 1500 || msg.Mode != "formula_only" {
		t.Errorf("Unexpected payload %+v", msg)
	}
	if s := e.Stats(); s.Published != 1 || s.Errors != 0 {
		t.Errorf("Unexpected stats %+v", s)
	}
}

func TestPublishResultFailures(t *testing.T) {
	res := types.InferErr(uuid.New(), "boom")

	t.Run("Disconnected", func(t *testing.T) {
		e := newTestEmitter(&fakeClient{})
		if err := e.PublishResult(res, "a.png", types.ModeTextOnly); err == nil {
			t.Error("Expected an error while disconnected")
		}
		if e.Stats().Errors != 1 {
			t.Error("Error was not counted")
		}
	})

	t.Run("Timeout", func(t *testing.T) {
		e := newTestEmitter(&fakeClient{connected: true, token: &fakeToken{timeout: true}})
		if err := e.PublishResult(res, "a.png", types.ModeTextOnly); err == nil {
			t.Error("Expected a timeout")
		}
	})

	t.Run("BrokerError", func(t *testing.T) {
		e := newTestEmitter(&fakeClient{connected: true, token: &fakeToken{err: errors.New("not authorized")}})
		err := e.PublishResult(res, "a.png", types.ModeTextOnly)
		if err == nil || !errors.Is(err, e.Client.(*fakeClient).token.err) {
			t.Errorf("Expected the broker error to be wrapped, got %v", err)
		}
	})
}

func TestPublishAvailability(t *testing.T) {
	client := &fakeClient{connected: true}
	e := newTestEmitter(client)

	e.PublishAvailability(true)
	e.PublishAvailability(false)

	sent := client.messages()
	if len(sent) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(sent))
	}
	for i, want := range []bool{true, false} {
		var msg AvailabilityMessage
		if err := json.Unmarshal(sent[i].payload, &msg); err != nil {
			t.Fatal(err)
		}
		if sent[i].topic != "lab/texa/availability" || !sent[i].retained || msg.Available != want {
			t.Errorf("message %d: topic=%q retained=%t available=%t", i, sent[i].topic, sent[i].retained, msg.Available)
		}
	}

	// Delivery is confirmed in the background
	deadline := time.Now().Add(time.Second)
	for e.Stats().Published != 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if e.Stats().Published != 2 {
		t.Errorf("Expected 2 confirmed publishes, got %+v", e.Stats())
	}
}

func TestBrokerURL(t *testing.T) {
	if got := brokerURL("localhost:1883"); got != "tcp://localhost:1883" {
		t.Errorf("got %q", got)
	}
	if got := brokerURL("ws://broker:9001/mqtt"); got != "ws://broker:9001/mqtt" {
		t.Errorf("got %q", got)
	}
}

func TestDefaults(t *testing.T) {
	e := NewMQTTEmitter(Config{Broker: "b:1883"})
	if e.ResultsTopic() != "texa/results" {
		t.Errorf("Unexpected default topic %q", e.ResultsTopic())
	}
	if e.cfg.ClientID == "" {
		t.Error("ClientID was not generated")
	}
	e.Disconnect() // no client yet
}
