package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"flowguard/internal/config"
	"flowguard/internal/model"
)

const (
	publishTimeout = 5 * time.Second
	firmwareTopic  = "hidrometro/leandro/dados"
)

var ErrNotConnected = errors.New("mqtt: not connected")

// MQTTSource subscribes to the telemetry topics and publishes device commands.
type MQTTSource struct {
	ctx    context.Context
	cfg    config.MQTTConfig
	client mqtt.Client
	out    chan<- model.Message
	logger *slog.Logger
}

func NewMQTT(ctx context.Context, cfg config.MQTTConfig, out chan<- model.Message, logger *slog.Logger) *MQTTSource {
	s := &MQTTSource{ctx: ctx, cfg: cfg, out: out, logger: logger}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "flowguard"
	}
	clientID += "-" + uuid.NewString()[:8]

	opts := mqtt.NewClientOptions()
	opts.AddBroker(BrokerURL(cfg.Broker))
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetCleanSession(true)
	if cfg.ReconnectInterval > 0 {
		opts.SetConnectRetryInterval(cfg.ReconnectInterval)
		opts.SetMaxReconnectInterval(cfg.ReconnectInterval)
	}
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if s.logger != nil {
			s.logger.Warn("mqtt connection lost", "err", err)
		}
	})
	s.client = mqtt.NewClient(opts)
	return s
}

// Start begins connecting. With connect-retry enabled the client keeps trying in the background,
// so a broker that is down at startup is not fatal.
func (s *MQTTSource) Start() {
	token := s.client.Connect()
	wait := s.cfg.ConnectTimeout
	if wait <= 0 {
		wait = 10 * time.Second
	}
	if !token.WaitTimeout(wait) {
		if s.logger != nil {
			s.logger.Warn("mqtt broker not reachable yet, retrying in background", "broker", s.cfg.Broker)
		}
		return
	}
	if err := token.Error(); err != nil && s.logger != nil {
		s.logger.Error("mqtt connect failed", "broker", s.cfg.Broker, "err", err)
	}
}

func (s *MQTTSource) onConnect(c mqtt.Client) {
	topics := Topics(s.cfg)
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = s.cfg.QoS
	}
	token := c.SubscribeMultiple(filters, s.handle)
	if token.Wait() && token.Error() != nil {
		if s.logger != nil {
			s.logger.Error("mqtt subscribe failed", "topics", topics, "err", token.Error())
		}
		return
	}
	if s.logger != nil {
		s.logger.Info("mqtt connected", "broker", s.cfg.Broker, "topics", topics)
	}
}

func (s *MQTTSource) handle(_ mqtt.Client, m mqtt.Message) {
	payload := make([]byte, len(m.Payload()))
	copy(payload, m.Payload())
	SendNonBlocking(s.ctx, s.out, model.Message{
		Topic:    m.Topic(),
		Payload:  payload,
		Source:   SourceMQTT,
		Received: time.Now(),
	}, s.logger)
}

func (s *MQTTSource) Publish(topic string, payload []byte) error {
	if !s.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := s.client.Publish(topic, s.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}
	return nil
}

func (s *MQTTSource) Connected() bool {
	return s.client.IsConnectionOpen()
}

func (s *MQTTSource) Close() {
	s.client.Disconnect(250)
}

// Topics lists the subscriptions: the configured topic, the firmware default and legacy topics,
// and optionally a wildcard over the first two segments of the configured topic.
func Topics(cfg config.MQTTConfig) []string {
	seen := map[string]bool{}
	var out []string
	add := func(t string) {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			return
		}
		seen[t] = true
		out = append(out, t)
	}
	add(cfg.Topic)
	add(firmwareTopic)
	for _, t := range cfg.LegacyTopics {
		add(t)
	}
	if cfg.SubscribeWildcard {
		parts := strings.Split(cfg.Topic, "/")
		if len(parts) >= 2 {
			add(parts[0] + "/" + parts[1] + "/#")
		}
	}
	return out
}

// BrokerURL maps mqtt:// and mqtts:// onto the schemes paho understands.
func BrokerURL(raw string) string {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "mqtt://"):
		return "tcp://" + strings.TrimPrefix(raw, "mqtt://")
	case strings.HasPrefix(raw, "mqtts://"):
		return "ssl://" + strings.TrimPrefix(raw, "mqtts://")
	case !strings.Contains(raw, "://"):
		return "tcp://" + raw
	default:
		return raw
	}
}
