// Package emitter publishes per-stream detections to an MQTT broker.
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

	"github.com/e7canasta/orion-multistream/internal/controller"
	"github.com/e7canasta/orion-multistream/internal/inference"
	"github.com/e7canasta/orion-multistream/internal/stream"
)

// Config contains MQTT publisher settings.
type Config struct {
	Broker   string // host:port or scheme://host:port
	ClientID string
	// Topic is the prefix; each stream publishes on <Topic>/<stream_id>.
	Topic          string
	QoS            byte
	QueueSize      int
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// Detections is the JSON payload published for one stream's frame.
type Detections struct {
	BatchID    string                `json:"batch_id"`
	StreamID   stream.ID             `json:"stream_id"`
	Slot       int                   `json:"slot"`
	Frame      uint64                `json:"frame"`
	Timestamp  time.Time             `json:"timestamp"`
	TraceID    string                `json:"trace_id,omitempty"`
	Objects    int                   `json:"objects"`
	Vehicles   int                   `json:"vehicles"`
	People     int                   `json:"people"`
	Detections []inference.Detection `json:"detections"`
}

// publisher is the part of mqtt.Client the emitter publishes through.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type message struct {
	topic   string
	payload []byte
}

// MQTT is a controller.Sink. Consume only enqueues; a background loop
// publishes, so a slow broker costs dropped messages, never pipeline time.
type MQTT struct {
	cfg    Config
	client mqtt.Client
	pub    publisher

	queue chan message
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	mu        sync.RWMutex
	connected bool
	published uint64
	dropped   uint64
	errors    uint64
}

// Stats contains emitter statistics.
type Stats struct {
	Connected bool
	Published uint64
	Dropped   uint64
	Errors    uint64
}

// NewMQTT creates an emitter. Nothing is sent before Connect.
func NewMQTT(cfg Config) *MQTT {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 256
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	return &MQTT{
		cfg:   cfg,
		queue: make(chan message, cfg.QueueSize),
		done:  make(chan struct{}),
	}
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes the broker connection and starts publishing.
// The client reconnects on its own after a lost connection.
func (e *MQTT) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("emitter: mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker,
		)
	}

	e.client = mqtt.NewClient(opts)
	slog.Info("emitter: connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(e.cfg.ConnectTimeout):
		return fmt.Errorf("emitter: mqtt connection timeout after %s", e.cfg.ConnectTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	e.start(e.client)
	return nil
}

func (e *MQTT) start(pub publisher) {
	e.pub = pub
	e.wg.Add(1)
	go e.loop()
}

func (e *MQTT) loop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case m := <-e.queue:
			e.publish(m)
		}
	}
}

func (e *MQTT) publish(m message) {
	if !e.isConnected() {
		e.count(&e.errors)
		return
	}
	token := e.pub.Publish(m.topic, e.cfg.QoS, false, m.payload)
	if !token.WaitTimeout(e.cfg.PublishTimeout) {
		e.count(&e.errors)
		slog.Debug("emitter: publish timeout", "topic", m.topic)
		return
	}
	if err := token.Error(); err != nil {
		e.count(&e.errors)
		slog.Debug("emitter: publish failed", "topic", m.topic, "error", err)
		return
	}
	e.count(&e.published)
}

// Consume implements controller.Sink: one message per frame in the batch.
func (e *MQTT) Consume(ctx context.Context, out controller.Output) error {
	for _, slot := range out.Batch.Slots() {
		s, _ := out.Batch.Frame(slot)
		fr := out.Result.Frames[s.Stream]

		payload, err := json.Marshal(Detections{
			BatchID:    out.Batch.ID(),
			StreamID:   s.Stream,
			Slot:       slot,
			Frame:      s.Frame.Seq,
			Timestamp:  s.Timestamp,
			TraceID:    s.Frame.TraceID,
			Objects:    len(fr.Detections),
			Vehicles:   fr.Count(inference.Vehicle),
			People:     fr.Count(inference.Person),
			Detections: fr.Detections,
		})
		if err != nil {
			e.count(&e.errors)
			return fmt.Errorf("emitter: marshal detections: %w", err)
		}

		select {
		case e.queue <- message{topic: fmt.Sprintf("%s/%d", e.cfg.Topic, s.Stream), payload: payload}:
		default:
			e.count(&e.dropped)
			slog.Debug("emitter: queue full, message dropped", "stream_id", s.Stream)
		}
	}
	return nil
}

// Close stops publishing and disconnects. Queued messages are discarded.
func (e *MQTT) Close() error {
	e.once.Do(func() {
		close(e.done)
		e.wg.Wait()
		if e.client != nil && e.client.IsConnected() {
			e.client.Disconnect(250)
			slog.Info("emitter: mqtt disconnected")
		}
		e.setConnected(false)
	})
	return nil
}

// Stats returns emitter statistics.
func (e *MQTT) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		Connected: e.connected,
		Published: e.published,
		Dropped:   e.dropped,
		Errors:    e.errors,
	}
}

func (e *MQTT) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTT) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTT) count(c *uint64) {
	e.mu.Lock()
	*c++
	e.mu.Unlock()
}
