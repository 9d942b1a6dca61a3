package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"flowguard/internal/model"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	History   HistoryConfig   `json:"history" yaml:"history"`
	Commands  CommandsConfig  `json:"commands" yaml:"commands"`
	API       APIConfig       `json:"api" yaml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify"`
}

type IngestConfig struct {
	ChannelBuffer int           `json:"channel_buffer" yaml:"channel_buffer"`
	DedupeWindow  time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
	Parser        ParserConfig  `json:"parser" yaml:"parser"`
	MQTT          MQTTConfig    `json:"mqtt" yaml:"mqtt"`
	Kafka         KafkaConfig   `json:"kafka" yaml:"kafka"`
}

type ParserConfig struct {
	DefaultSerial string `json:"default_serial" yaml:"default_serial"`
}

type MQTTConfig struct {
	Enabled           bool          `json:"enabled" yaml:"enabled"`
	Broker            string        `json:"broker" yaml:"broker"`
	ClientID          string        `json:"client_id" yaml:"client_id"`
	Username          string        `json:"username" yaml:"username"`
	Password          string        `json:"password" yaml:"password"`
	QoS               byte          `json:"qos" yaml:"qos"`
	Topic             string        `json:"topic" yaml:"topic"`
	LegacyTopics      []string      `json:"legacy_topics" yaml:"legacy_topics"`
	SubscribeWildcard bool          `json:"subscribe_wildcard" yaml:"subscribe_wildcard"`
	ConnectTimeout    time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	ReconnectInterval time.Duration `json:"reconnect_interval" yaml:"reconnect_interval"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type DetectionConfig struct {
	LeakFlowThreshold float64       `json:"leak_flow_threshold" yaml:"leak_flow_threshold"`
	LeakMinDuration   time.Duration `json:"leak_min_duration" yaml:"leak_min_duration"`
}

type HistoryConfig struct {
	Limit       int `json:"limit" yaml:"limit"`
	SerialLimit int `json:"serial_limit" yaml:"serial_limit"`
	InitSize    int `json:"init_size" yaml:"init_size"`
}

type CommandsConfig struct {
	Topic string `json:"topic" yaml:"topic"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled     bool           `json:"enabled" yaml:"enabled"`
	Driver      string         `json:"driver" yaml:"driver"`
	DSN         string         `json:"dsn" yaml:"dsn"`
	SeedDevices []model.Device `json:"seed_devices" yaml:"seed_devices"`
}

type NotifyConfig struct {
	WebSocket WebSocketConfig `json:"websocket" yaml:"websocket"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
}

type WebSocketConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Buffer  int  `json:"buffer" yaml:"buffer"`
}

type RedisConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	Addr         string        `json:"addr" yaml:"addr"`
	Password     string        `json:"password" yaml:"password"`
	DB           int           `json:"db" yaml:"db"`
	Channel      string        `json:"channel" yaml:"channel"`
	LatestPrefix string        `json:"latest_prefix" yaml:"latest_prefix"`
	LatestTTL    time.Duration `json:"latest_ttl" yaml:"latest_ttl"`
	Buffer       int           `json:"buffer" yaml:"buffer"`
}

const (
	defaultHistoryLimit  = 1000
	defaultSerialLimit   = 5000
	defaultInitSize      = 200
	defaultChannelBuffer = 10000
	defaultTopic         = "hidrometro/leandro/dados"
	defaultCommandTopic  = "hidrometro/leandro/cmd"
)

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Ingest: IngestConfig{
			ChannelBuffer: defaultChannelBuffer,
			MQTT: MQTTConfig{
				Enabled:           true,
				Broker:            "tcp://localhost:1883",
				ClientID:          "flowguard",
				QoS:               0,
				Topic:             defaultTopic,
				LegacyTopics:      []string{defaultTopic},
				SubscribeWildcard: true,
				ConnectTimeout:    10 * time.Second,
				ReconnectInterval: 5 * time.Second,
			},
			Kafka: KafkaConfig{Enabled: false},
		},
		Detection: DetectionConfig{
			LeakFlowThreshold: 0,
			LeakMinDuration:   0,
		},
		History:  HistoryConfig{Limit: defaultHistoryLimit, SerialLimit: defaultSerialLimit, InitSize: defaultInitSize},
		Commands: CommandsConfig{Topic: defaultCommandTopic},
		API:      APIConfig{Enabled: true, Addr: ":8080"},
		Storage:  StorageConfig{Enabled: true, Driver: "sqlite", DSN: "file:flowguard.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"},
		Notify: NotifyConfig{
			WebSocket: WebSocketConfig{Enabled: true, Buffer: 256},
			Redis: RedisConfig{
				Enabled:      false,
				Addr:         "localhost:6379",
				Channel:      "flowguard:events",
				LatestPrefix: "flowguard:latest:",
				LatestTTL:    24 * time.Hour,
				Buffer:       256,
			},
		},
	}
}

func Load(path string) (*Config, error) {
	cfg, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	return finish(cfg)
}

// decodeFile reads path over the defaults without environment overrides.
func decodeFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return cfg, nil
}

// FromEnv builds a config from defaults and FLOWGUARD_* variables only.
func FromEnv() (*Config, error) {
	return finish(DefaultConfig())
}

func finish(cfg *Config) (*Config, error) {
	applyEnv(cfg, os.Getenv)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.History.Limit <= 0 {
		cfg.History.Limit = defaultHistoryLimit
	}
	if cfg.History.SerialLimit <= 0 {
		cfg.History.SerialLimit = defaultSerialLimit
	}
	if cfg.History.InitSize <= 0 {
		cfg.History.InitSize = defaultInitSize
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = defaultChannelBuffer
	}
	if cfg.Ingest.MQTT.ClientID == "" {
		cfg.Ingest.MQTT.ClientID = "flowguard"
	}
	if cfg.Ingest.MQTT.ConnectTimeout <= 0 {
		cfg.Ingest.MQTT.ConnectTimeout = 10 * time.Second
	}
	if cfg.Ingest.MQTT.ReconnectInterval <= 0 {
		cfg.Ingest.MQTT.ReconnectInterval = 5 * time.Second
	}
	if cfg.Notify.WebSocket.Buffer <= 0 {
		cfg.Notify.WebSocket.Buffer = 256
	}
	if cfg.Notify.Redis.Buffer <= 0 {
		cfg.Notify.Redis.Buffer = 256
	}
	if cfg.Notify.Redis.Channel == "" {
		cfg.Notify.Redis.Channel = "flowguard:events"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	cfg.Ingest.Parser.DefaultSerial = strings.ToUpper(strings.TrimSpace(cfg.Ingest.Parser.DefaultSerial))
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.MQTT.Enabled {
		if cfg.Ingest.MQTT.Broker == "" || cfg.Ingest.MQTT.Topic == "" {
			return errors.New("ingest.mqtt requires broker and topic")
		}
		if cfg.Ingest.MQTT.QoS > 2 {
			return fmt.Errorf("ingest.mqtt.qos must be 0, 1 or 2: %d", cfg.Ingest.MQTT.QoS)
		}
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Ingest.DedupeWindow < 0 {
		return errors.New("ingest.dedupe_window must be >= 0")
	}
	if cfg.Detection.LeakMinDuration < 0 {
		return errors.New("detection.leak_min_duration must be >= 0")
	}
	if cfg.Storage.Enabled {
		switch strings.ToLower(cfg.Storage.Driver) {
		case "sqlite", "postgres", "postgresql":
		default:
			return fmt.Errorf("storage.driver unsupported: %q", cfg.Storage.Driver)
		}
	}
	for i, d := range cfg.Storage.SeedDevices {
		if strings.TrimSpace(d.Serial) == "" {
			return fmt.Errorf("storage.seed_devices[%d].serial required", i)
		}
	}
	if cfg.Notify.Redis.Enabled && cfg.Notify.Redis.Addr == "" {
		return errors.New("notify.redis.addr required when notify.redis.enabled is true")
	}
	return nil
}

type Manager struct {
	path string
	cfg  atomic.Value

	mu      sync.Mutex
	modTime time.Time
}

// NewManager loads path, or builds an env-only config when path is empty.
func NewManager(path string) (*Manager, error) {
	var cfg *Config
	var err error
	if path == "" {
		cfg, err = FromEnv()
	} else {
		cfg, err = Load(path)
	}
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	if path != "" {
		if info, err := os.Stat(path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	return m, nil
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	m.stampLocked()
	return cfg, nil
}

// Update applies edit to the live config and to the config file. The file copy is
// edited from its own contents, so values that only come from FLOWGUARD_* variables
// never reach the disk.
func (m *Manager) Update(edit func(*Config)) (*Config, error) {
	if edit == nil {
		return nil, errors.New("nil config edit")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	next := *m.Get()
	edit(&next)
	if err := Validate(&next); err != nil {
		return nil, err
	}
	if m.path != "" {
		onDisk, err := decodeFile(m.path)
		if err != nil {
			return nil, err
		}
		edit(onDisk)
		if err := Save(m.path, onDisk); err != nil {
			return nil, err
		}
		m.stampLocked()
	}
	m.cfg.Store(&next)
	return &next, nil
}

func (m *Manager) stampLocked() {
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if m.path == "" {
		return
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
