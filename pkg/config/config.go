package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/HiroseKakeru/mqtt-telemetry/pkg/mqtt"
)

const (
	defaultBrokerURL = "mqtt://test.mosquitto.org:1883"
	defaultNamespace = "3b688015-20ce-4da1-9636-15b11e8d8161"
)

type Config struct {
	Namespace string `yaml:"namespace"`
	LogLevel  string `yaml:"log_level"`

	Broker struct {
		URL               string        `yaml:"url"`
		ClientIDPrefix    string        `yaml:"client_id_prefix"`
		KeepAlive         uint16        `yaml:"keep_alive"`
		SessionExpiry     uint32        `yaml:"session_expiry"`
		CleanStart        bool          `yaml:"clean_start"`
		ConnectTimeout    time.Duration `yaml:"connect_timeout"`
		ConnectRetryDelay time.Duration `yaml:"connect_retry_delay"`
		PacketTimeout     time.Duration `yaml:"packet_timeout"`
		DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`

		// SubscribeRetryDelay separates resends of a SUBSCRIBE that was
		// lost with the connection.
		SubscribeRetryDelay time.Duration `yaml:"subscribe_retry_delay"`
	} `yaml:"broker"`

	Receiver struct {
		// Filter is relative to Namespace.
		Filter              string        `yaml:"filter"`
		// ShareGroup, when set, turns the filter into a shared subscription.
		ShareGroup          string        `yaml:"share_group"`
		QoS                 byte          `yaml:"qos"`
		NoLocal             bool          `yaml:"no_local"`
		RetainAsPublished   bool          `yaml:"retain_as_published"`
		RetainHandling      byte          `yaml:"retain_handling"`
		ResubscribeInterval time.Duration `yaml:"resubscribe_interval"`
		ResubscribeBurst    int           `yaml:"resubscribe_burst"`
	} `yaml:"receiver"`

	Publish struct {
		MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
	} `yaml:"publish"`

	Sensors []Sensor `yaml:"sensors"`
}

// Sensor describes one simulated device and its publish schedule.
type Sensor struct {
	Name   string        `yaml:"name"`
	Min    float64       `yaml:"min"`
	Max    float64       `yaml:"max"`
	Period time.Duration `yaml:"period"`
	QoS    byte          `yaml:"qos"`
	Retain bool          `yaml:"retain"`
	Seed   uint64        `yaml:"seed"`
}

func Default() Config {
	cfg := Config{
		Namespace: defaultNamespace,
		LogLevel:  "info",
	}
	cfg.Broker.URL = defaultBrokerURL
	cfg.Broker.ClientIDPrefix = "telemetry"
	cfg.Broker.KeepAlive = 30
	cfg.Broker.CleanStart = true
	cfg.Broker.ConnectTimeout = 7 * time.Second
	cfg.Broker.ConnectRetryDelay = 10 * time.Second
	cfg.Broker.PacketTimeout = 30 * time.Second
	cfg.Broker.DisconnectTimeout = 5 * time.Second
	cfg.Broker.SubscribeRetryDelay = time.Second
	cfg.Receiver.Filter = "+"
	cfg.Receiver.QoS = byte(mqtt.ExactlyOnce)
	cfg.Receiver.RetainAsPublished = true
	cfg.Receiver.RetainHandling = byte(mqtt.SendRetained)
	cfg.Receiver.ResubscribeInterval = time.Second
	cfg.Receiver.ResubscribeBurst = 3
	cfg.Sensors = []Sensor{
		{Name: "speed", Min: 30, Max: 60, Period: time.Second, QoS: byte(mqtt.AtMostOnce), Retain: true},
		{Name: "temperature", Min: 25, Max: 40, Period: 5 * time.Second, QoS: byte(mqtt.AtMostOnce), Retain: true},
	}
	return cfg
}

// Load builds the configuration from defaults, the optional YAML file at
// path and the environment. envFiles are loaded into the environment first;
// missing env files are ignored.
func Load(path string, envFiles ...string) (Config, error) {
	if err := loadEnvFiles(envFiles...); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	overrideFromEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("BROKER_URL"); v != "" {
		cfg.Broker.URL = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		cfg.Broker.ClientIDPrefix = v
	}
	if v := os.Getenv("MQTT_KEEP_ALIVE"); v != "" {
		if i, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.Broker.KeepAlive = uint16(i)
		}
	}
	if v := os.Getenv("MQTT_SESSION_EXPIRY"); v != "" {
		if i, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Broker.SessionExpiry = uint32(i)
		}
	}
	if v := os.Getenv("MQTT_CLEAN_START"); v != "" {
		cfg.Broker.CleanStart = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("TELEMETRY_NAMESPACE"); v != "" {
		cfg.Namespace = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func validate(cfg Config) error {
	if cfg.Broker.URL == "" {
		return errors.New("broker.url is required")
	}
	if strings.ContainsAny(cfg.Namespace, "+#") {
		return fmt.Errorf("namespace %q must not contain wildcards", cfg.Namespace)
	}
	if _, err := ParseLogLevel(cfg.LogLevel); err != nil {
		return err
	}
	if err := mqtt.ValidateIntent(cfg.SubscriptionIntent()); err != nil {
		return fmt.Errorf("receiver: %w", err)
	}
	seen := map[string]bool{}
	for i, s := range cfg.Sensors {
		if s.Name == "" {
			return fmt.Errorf("sensors[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("sensors[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
		if s.Period <= 0 {
			return fmt.Errorf("sensors[%d] %s: period must be positive", i, s.Name)
		}
		if s.QoS > byte(mqtt.ExactlyOnce) {
			return fmt.Errorf("sensors[%d] %s: qos %d out of range", i, s.Name, s.QoS)
		}
		if err := mqtt.ValidateTopic(cfg.Topic(s.Name)); err != nil {
			return fmt.Errorf("sensors[%d] %s: %w", i, s.Name, err)
		}
	}
	return nil
}

// Topic joins the namespace and a relative topic.
func (c Config) Topic(rel string) string {
	if c.Namespace == "" {
		return rel
	}
	return c.Namespace + "/" + rel
}

// MQTT returns the session configuration. Each call draws a fresh client id.
func (c Config) MQTT() mqtt.Config {
	return mqtt.Config{
		BrokerURL:         c.Broker.URL,
		ClientID:          mqtt.ClientID(c.Broker.ClientIDPrefix),
		KeepAlive:         c.Broker.KeepAlive,
		SessionExpiry:     c.Broker.SessionExpiry,
		CleanStart:        c.Broker.CleanStart,
		ConnectTimeout:    c.Broker.ConnectTimeout,
		ConnectRetryDelay: c.Broker.ConnectRetryDelay,
		PacketTimeout:     c.Broker.PacketTimeout,
		DisconnectTimeout: c.Broker.DisconnectTimeout,

		SubscribeRetryDelay: c.Broker.SubscribeRetryDelay,
	}
}

// SubscriptionIntent returns the receiver's subscription.
func (c Config) SubscriptionIntent() mqtt.SubscriptionIntent {
	filter := c.Topic(c.Receiver.Filter)
	if c.Receiver.ShareGroup != "" {
		filter = "$share/" + c.Receiver.ShareGroup + "/" + filter
	}
	return mqtt.SubscriptionIntent{
		Filter:            filter,
		QoS:               mqtt.QoS(c.Receiver.QoS),
		NoLocal:           c.Receiver.NoLocal,
		RetainAsPublished: c.Receiver.RetainAsPublished,
		RetainHandling:    mqtt.RetainHandling(c.Receiver.RetainHandling),
	}
}
