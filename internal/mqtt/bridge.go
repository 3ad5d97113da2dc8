//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"pir-go-home/internal/presence"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	// Name is the sensor's display name; its sanitized form is the topic.
	Name string
	// Discovery publishes HA discovery on connect. When false, previously
	// published discovery entries are removed instead.
	Discovery bool
}

// Monitor is the part of presence.Monitor the bridge uses.
type Monitor interface {
	Events() *presence.EventBus
	Status() presence.Status
	Condense(ctx context.Context, name string) (int, error)
}

// Bridge publishes occupancy to MQTT with HA autodiscovery and accepts
// condense commands.
type Bridge struct {
	client    pahomqtt.Client
	mon       Monitor
	prefix    string
	name      string
	discovery bool
	logger    *slog.Logger
	unsub     func()
	ctx       context.Context
	cancel    context.CancelFunc
}

// statePayload is the retained JSON published on the state topic.
type statePayload struct {
	Occupancy  bool   `json:"occupancy"`
	LastChange string `json:"last_change,omitempty"`
}

// commandPayload is accepted on the command topic.
type commandPayload struct {
	Condense string `json:"condense"`
}

func newBridge(mon Monitor, cfg Config, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		mon:       mon,
		prefix:    cfg.TopicPrefix,
		name:      cfg.Name,
		discovery: cfg.Discovery,
		logger:    logger.With("component", "mqtt"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(mon Monitor, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(mon, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("pir-go-home-" + topicName(cfg.Name)).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishDiscovery()
			b.subscribeCommands()
			b.publishState(b.mon.Status())
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to presence events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.mon.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix, "topic", b.stateTopic())
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) stateTopic() string {
	return b.prefix + "/" + topicName(b.name)
}

func (b *Bridge) handleEvent(event presence.Event) {
	switch event.Type {
	case presence.EventOccupied, presence.EventVacant:
		data, ok := event.Data.(map[string]interface{})
		if !ok {
			return
		}
		occupied, _ := data["occupied"].(bool)
		at, _ := data["at"].(string)
		b.publish(b.stateTopic(), buildStatePayload(occupied, at), true)
	case presence.EventTickError:
		data, ok := event.Data.(map[string]interface{})
		if !ok {
			return
		}
		if protocol, _ := data["protocol"].(bool); protocol {
			b.publish(b.prefix+"/bridge/error", mustJSON(data), false)
		}
	}
}

func (b *Bridge) publishState(st presence.Status) {
	var at string
	if st.LastChange != nil {
		at = st.LastChange.Format(time.RFC3339Nano)
	}
	b.publish(b.stateTopic(), buildStatePayload(st.Occupied, at), true)
}

// buildStatePayload renders the state JSON; at is re-rendered as RFC3339.
func buildStatePayload(occupied bool, at string) []byte {
	p := statePayload{Occupancy: occupied}
	if at != "" {
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			p.LastChange = t.Format(time.RFC3339)
		}
	}
	return mustJSON(p)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishDiscovery() {
	if !b.discovery {
		for _, msg := range buildRemoveDiscovery(b.name) {
			b.publish(msg.Topic, msg.Payload, true)
		}
		return
	}
	for _, msg := range buildDiscovery(b.name, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "name", b.name)
}

func (b *Bridge) subscribeCommands() {
	topic := b.stateTopic() + "/set"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Payload())
	})
}

func (b *Bridge) handleCommand(payload []byte) {
	var cmd commandPayload
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "err", err)
		return
	}
	if cmd.Condense == "" {
		b.logger.Warn("command without action", "payload", string(payload))
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	pops, err := b.mon.Condense(ctx, cmd.Condense)
	if err != nil {
		b.logger.Warn("condense command failed", "queue", cmd.Condense, "err", err)
		return
	}
	b.logger.Info("condense command", "queue", cmd.Condense, "pops", pops)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	if b.client == nil {
		return
	}
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
