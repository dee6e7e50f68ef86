//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/iphizic/homed-service-zigbee/internal/registry"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge publishes registry state to MQTT and accepts registry commands.
type Bridge struct {
	client  pahomqtt.Client
	reg     *registry.Registry
	topics  topics
	logger  *slog.Logger
	unsub   func()
	ctx     context.Context
	cancel  context.CancelFunc
	publish func(topic string, payload []byte, retained bool)

	// Per-device property accumulator, keyed by device name.
	mu     sync.Mutex
	states map[string]map[string]any
}

func newBridge(reg *registry.Registry, prefix string, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		reg:    reg,
		topics: newTopics(prefix),
		logger: logger.With("component", "mqtt"),
		ctx:    ctx,
		cancel: cancel,
		states: make(map[string]map[string]any),
	}
	b.publish = b.clientPublish
	return b
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(reg *registry.Registry, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(reg, cfg.TopicPrefix, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("homed-zigbee-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.topics.service, "offline", 1, true).
		SetOnConnectHandler(func(client pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publish(b.topics.service, []byte("online"), true)
			b.publishStatus(b.reg.DatabaseSnapshot())
			client.Subscribe(b.topics.command, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
				b.handleCommand(msg.Payload())
			})
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
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to registry events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.reg.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.topics.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publish(b.topics.service, []byte("offline"), true)
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event registry.Event) {
	switch event.Type {
	case registry.EventStatusUpdate:
		if raw, ok := event.Data.(json.RawMessage); ok {
			b.publish(b.topics.status, raw, true)
		}
	case registry.EventPropertyUpdate:
		if u, ok := event.Data.(registry.PropertyUpdate); ok {
			b.updateAndPublishState(u)
		}
	case registry.EventDeviceRemoved:
		if e, ok := event.Data.(registry.DeviceEvent); ok {
			b.clearState(e.Device)
			b.publishDeviceEvent("deviceRemoved", e)
		}
	case registry.EventDeviceJoined:
		if e, ok := event.Data.(registry.DeviceEvent); ok {
			b.publishDeviceEvent("deviceJoined", e)
		}
	case registry.EventInterviewFinished:
		if e, ok := event.Data.(registry.DeviceEvent); ok {
			b.publishDeviceEvent("interviewFinished", e)
		}
	}
}

func (b *Bridge) publishStatus(snap registry.DatabaseSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		b.logger.Error("encode status", "err", err)
		return
	}
	b.publish(b.topics.status, data, true)
}

func (b *Bridge) updateAndPublishState(u registry.PropertyUpdate) {
	b.mu.Lock()
	state, ok := b.states[u.Device]
	if !ok {
		state = make(map[string]any)
		b.states[u.Device] = state
	}
	state[u.Property] = u.Value
	state["linkQuality"] = u.LinkQuality
	if u.LastSeen != 0 {
		state["lastSeen"] = u.LastSeen
	}
	payload := mustJSON(state)
	b.mu.Unlock()

	b.publish(b.topics.device(u.Device), payload, true)
}

// clearState drops the accumulated state and the retained device message.
func (b *Bridge) clearState(name string) {
	b.mu.Lock()
	delete(b.states, name)
	b.mu.Unlock()
	b.publish(b.topics.device(name), nil, true)
}

func (b *Bridge) publishDeviceEvent(event string, e registry.DeviceEvent) {
	b.publish(b.topics.event, mustJSON(map[string]any{
		"event":       event,
		"device":      e.Device,
		"ieeeAddress": e.IEEEAddress.String(),
	}), false)
}

func (b *Bridge) handleCommand(payload []byte) {
	cmd, err := parseCommand(payload)
	if err != nil {
		b.logger.Warn("invalid command", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	if err := b.execute(ctx, cmd); err != nil {
		b.logger.Warn("command failed", "action", cmd.Action, "device", cmd.Device, "err", err)
		return
	}
	b.logger.Info("command executed", "action", cmd.Action, "device", cmd.Device)
}

func (b *Bridge) execute(ctx context.Context, cmd command) error {
	switch cmd.Action {
	case actionRemoveDevice:
		return b.reg.RemoveByName(cmd.Device)
	case actionSetupDevice:
		return b.reg.SetupByName(cmd.Device)
	case actionSetDeviceName:
		if err := b.reg.RenameDevice(cmd.Device, cmd.Name); err != nil {
			return err
		}
		b.clearState(cmd.Device)
		return nil
	case actionTogglePermitJoin:
		enabled := !b.reg.PermitJoin()
		if cmd.Enabled != nil {
			enabled = *cmd.Enabled
		}
		return b.reg.RequestPermitJoin(ctx, enabled)
	default:
		return fmt.Errorf("%w: %q", errUnknownAction, cmd.Action)
	}
}

func (b *Bridge) clientPublish(topic string, payload []byte, retained bool) {
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

var errUnknownAction = errors.New("unknown action")

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
