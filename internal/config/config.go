package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config структура конфига
type Config struct {
	Source struct {
		URL         string        `yaml:"url" env:"VIDEO_SOURCE"`
		ReadTimeout time.Duration `yaml:"read_timeout" env:"SOURCE_READ_TIMEOUT"`
		Autostart   bool          `yaml:"autostart" env:"SOURCE_AUTOSTART"`
		// Playback rate of frame folders in object storage
		ObjectFPS   float64       `yaml:"object_fps" env:"SOURCE_OBJECT_FPS"`
	} `yaml:"source"`

	Zones struct {
		Path string `yaml:"path" env:"ZONES_PATH"`
	} `yaml:"zones"`

	Violation struct {
		Threshold        time.Duration `yaml:"threshold" env:"VIOLATION_THRESHOLD"`
		GracePeriod      time.Duration `yaml:"grace_period" env:"TRACK_GRACE_PERIOD"`
		MonitoredClasses []string      `yaml:"monitored_classes" env:"MONITORED_CLASSES" envSeparator:","`
	} `yaml:"violation"`

	Detection struct {
		Endpoint      string        `yaml:"endpoint" env:"DETECTION_ENDPOINT"`
		Timeout       time.Duration `yaml:"timeout" env:"DETECTION_TIMEOUT"`
		Confidence    float64       `yaml:"confidence" env:"DETECTION_CONFIDENCE"`
		IOU           float64       `yaml:"iou" env:"DETECTION_IOU"`
		ProcessLabels []string      `yaml:"process_labels" env:"DETECTION_PROCESS_LABELS" envSeparator:","`
	} `yaml:"detection"`

	Output struct {
		Dir string `yaml:"dir" env:"OUTPUT_DIR"`
	} `yaml:"output"`

	Gateway struct {
		Listen         string        `yaml:"listen" env:"GATEWAY_LISTEN"`
		DashboardURL   string        `yaml:"dashboard_url" env:"DASHBOARD_URL"`
		ForwardTimeout time.Duration `yaml:"forward_timeout" env:"FORWARD_TIMEOUT"`
		StallAfter     time.Duration `yaml:"stall_after" env:"STALL_AFTER"`
	} `yaml:"gateway"`

	Postgres struct {
		DSN string `yaml:"dsn" env:"DATABASE_DSN"`
	} `yaml:"postgres"`

	Minio struct {
		Endpoint       string `yaml:"endpoint" env:"MINIO_ENDPOINT"`
		AccessKey      string `yaml:"access_key" env:"MINIO_ACCESS_KEY"`
		SecretKey      string `yaml:"secret_key" env:"MINIO_SECRET_KEY"`
		SnapshotBucket string `yaml:"snapshot_bucket" env:"MINIO_SNAPSHOT_BUCKET"`
	} `yaml:"minio"`

	Kafka struct {
		Brokers        []string `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
		GroupID        string   `yaml:"group_id" env:"KAFKA_GROUP_ID"`
		CommandTopic   string   `yaml:"command_topic" env:"COMMAND_TOPIC"`
		HeartbeatTopic string   `yaml:"heartbeat_topic" env:"HEARTBEAT_TOPIC"`
		ViolationTopic string   `yaml:"violation_topic" env:"VIOLATION_TOPIC"`
	} `yaml:"kafka"`

	MQTT struct {
		Broker   string `yaml:"broker" env:"MQTT_BROKER"`
		ClientID string `yaml:"client_id" env:"MQTT_CLIENT_ID"`
		Topic    string `yaml:"topic" env:"MQTT_TOPIC"`
	} `yaml:"mqtt"`
}

// LoadConfig reads the YAML file (if any) and applies environment overrides on top.
// An empty filename falls back to config/local.yaml; a missing default file is not an error.
func LoadConfig(filename string) (*Config, error) {
	cfg := &Config{}

	explicit := filename != ""
	if !explicit {
		filename = "config/local.yaml"
	}

	data, err := os.ReadFile(filename)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", filename, err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read config %s: %w", filename, err)
	}

	// Переменные окружения имеют приоритет
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Source.ObjectFPS == 0 {
		c.Source.ObjectFPS = 30
	}
	if c.Zones.Path == "" {
		c.Zones.Path = "config/zones.json"
	}
	if c.Source.ReadTimeout == 0 {
		c.Source.ReadTimeout = 5 * time.Second
	}
	if c.Violation.Threshold == 0 {
		c.Violation.Threshold = 10 * time.Second
	}
	if c.Violation.GracePeriod == 0 {
		c.Violation.GracePeriod = 3 * time.Second
	}
	if len(c.Violation.MonitoredClasses) == 0 {
		c.Violation.MonitoredClasses = []string{"motorcycle"}
	}
	if c.Detection.Endpoint == "" {
		c.Detection.Endpoint = "http://localhost:8000"
	}
	if c.Detection.Timeout == 0 {
		c.Detection.Timeout = 2 * time.Second
	}
	if c.Detection.Confidence == 0 {
		c.Detection.Confidence = 0.3
	}
	if c.Detection.IOU == 0 {
		c.Detection.IOU = 0.5
	}
	if len(c.Detection.ProcessLabels) == 0 {
		c.Detection.ProcessLabels = []string{"car", "motorcycle"}
	}
	if c.Output.Dir == "" {
		c.Output.Dir = "output"
	}
	if c.Gateway.Listen == "" {
		c.Gateway.Listen = "localhost:8080"
	}
	if c.Gateway.DashboardURL == "" {
		c.Gateway.DashboardURL = "http://" + c.Gateway.Listen
	}
	if c.Gateway.ForwardTimeout == 0 {
		c.Gateway.ForwardTimeout = time.Second
	}
	if c.Gateway.StallAfter == 0 {
		c.Gateway.StallAfter = 10 * time.Second
	}
	if c.Minio.SnapshotBucket == "" {
		c.Minio.SnapshotBucket = "violations"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "parking-detector-group"
	}
	if c.Kafka.CommandTopic == "" {
		c.Kafka.CommandTopic = "parking-runs"
	}
	if c.Kafka.HeartbeatTopic == "" {
		c.Kafka.HeartbeatTopic = "parking-heartbeats"
	}
	if c.Kafka.ViolationTopic == "" {
		c.Kafka.ViolationTopic = "parking-violations"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "parking-detector"
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "parking/violations"
	}
}

func (c *Config) Validate() error {
	if c.Violation.Threshold < 0 {
		return fmt.Errorf("violation.threshold must not be negative")
	}
	if c.Violation.GracePeriod < 0 {
		return fmt.Errorf("violation.grace_period must not be negative")
	}
	if c.Detection.Confidence < 0 || c.Detection.Confidence > 1 {
		return fmt.Errorf("detection.confidence must be in [0,1], got %v", c.Detection.Confidence)
	}
	return nil
}

func (c *Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}
