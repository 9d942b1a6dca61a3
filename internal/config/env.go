package config

import (
	"strconv"
	"strings"
	"time"
)

const envPrefix = "FLOWGUARD_"

// applyEnv overlays FLOWGUARD_* variables on top of the file values.
func applyEnv(cfg *Config, getenv func(string) string) {
	get := func(key string) string {
		return strings.TrimSpace(getenv(envPrefix + key))
	}
	if v := get("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := get("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := get("MQTT_URL"); v != "" {
		cfg.Ingest.MQTT.Broker = v
	}
	if v := get("MQTT_USERNAME"); v != "" {
		cfg.Ingest.MQTT.Username = v
	}
	if v := get("MQTT_PASSWORD"); v != "" {
		cfg.Ingest.MQTT.Password = v
	}
	if v := get("MQTT_TOPIC"); v != "" {
		cfg.Ingest.MQTT.Topic = v
	}
	if v := get("MQTT_CMD_TOPIC"); v != "" {
		cfg.Commands.Topic = v
	}
	if v := get("DEFAULT_DEVICE_SERIAL"); v != "" {
		cfg.Ingest.Parser.DefaultSerial = v
	}
	if v := get("HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.History.Limit = n
		}
	}
	if v := get("LEAK_FLOW_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detection.LeakFlowThreshold = f
		}
	}
	if v := get("LEAK_MIN_SECONDS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detection.LeakMinDuration = time.Duration(f * float64(time.Second))
		}
	}
	if v := get("DB_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := get("DB_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := get("REDIS_ADDR"); v != "" {
		cfg.Notify.Redis.Enabled = true
		cfg.Notify.Redis.Addr = v
	}
	if v := get("API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
}
