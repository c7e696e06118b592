package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Device     DeviceConfig     `yaml:"device"`
	Sampling   SamplingConfig   `yaml:"sampling"`
	Queue      QueueConfig      `yaml:"queue"`
	Sync       SyncConfig       `yaml:"sync"`
	MySQL      MySQLConfig      `yaml:"mysql"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DeviceConfig struct {
	// DataDir holds the queue database, the device identity file and the
	// delivery progress snapshot.
	DataDir      string `yaml:"data_dir"`
	IdentityFile string `yaml:"identity_file"`
}

type SamplingConfig struct {
	IntervalMS int    `yaml:"interval_ms"`
	FeedPath   string `yaml:"feed_path"`
}

type QueueConfig struct {
	Path               string `yaml:"path"`
	CompactIntervalSec int    `yaml:"compact_interval_sec"`
	RetentionHours     int    `yaml:"retention_hours"`
}

type SyncConfig struct {
	BatchMaxCount     int     `yaml:"batch_max_count"`
	BatchMaxBytes     int     `yaml:"batch_max_bytes"`
	IdleIntervalMS    int     `yaml:"idle_interval_ms"`
	WriteTimeoutSec   int     `yaml:"write_timeout_sec"`
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialDelayMS    int     `yaml:"initial_delay_ms"`
	MaxDelaySec       int     `yaml:"max_delay_sec"`
	BackoffFactor     float64 `yaml:"backoff_factor"`
	WriteRPS          float64 `yaml:"write_rps"`
	WriteBurst        int     `yaml:"write_burst"`
	StatusPollSec     int     `yaml:"status_poll_sec"`
	StatePath         string  `yaml:"state_path"`
	StatusGateEnabled bool    `yaml:"status_gate_enabled"`
}

type MySQLConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	User              string `yaml:"user"`
	Password          string `yaml:"password"`
	Database          string `yaml:"database"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec"`
	PoolSize          int    `yaml:"pool_size"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

func (s SamplingConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMS) * time.Millisecond
}

func (q QueueConfig) CompactInterval() time.Duration {
	return time.Duration(q.CompactIntervalSec) * time.Second
}

func (q QueueConfig) Retention() time.Duration { return time.Duration(q.RetentionHours) * time.Hour }

func (s SyncConfig) IdleInterval() time.Duration {
	return time.Duration(s.IdleIntervalMS) * time.Millisecond
}

func (s SyncConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSec) * time.Second
}

func (s SyncConfig) InitialDelay() time.Duration {
	return time.Duration(s.InitialDelayMS) * time.Millisecond
}

func (s SyncConfig) MaxDelay() time.Duration { return time.Duration(s.MaxDelaySec) * time.Second }

func (s SyncConfig) StatusPoll() time.Duration { return time.Duration(s.StatusPollSec) * time.Second }

func (m MySQLConfig) ConnectTimeout() time.Duration {
	return time.Duration(m.ConnectTimeoutSec) * time.Second
}

// Load reads .env (if present), expands environment references in the YAML
// file and validates the result.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.MySQL.Host == "" {
		return errors.New("mysql host is required")
	}
	if c.MySQL.User == "" {
		return errors.New("mysql user is required")
	}
	if c.MySQL.Database == "" {
		return errors.New("mysql database is required")
	}
	if c.Queue.Path == "" {
		return errors.New("queue path is required")
	}
	if c.Sync.BatchMaxCount <= 0 {
		return fmt.Errorf("sync batch_max_count must be positive, got %d", c.Sync.BatchMaxCount)
	}
	if c.Sync.BackoffFactor < 1 {
		return fmt.Errorf("sync backoff_factor must be >= 1, got %v", c.Sync.BackoffFactor)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "fmair"
	}
	if c.Device.DataDir == "" {
		c.Device.DataDir = "data"
	}
	if c.Device.IdentityFile == "" {
		c.Device.IdentityFile = filepath.Join(c.Device.DataDir, "device_id")
	}
	if c.Queue.Path == "" {
		c.Queue.Path = filepath.Join(c.Device.DataDir, "queue.db")
	}
	if c.Queue.CompactIntervalSec == 0 {
		c.Queue.CompactIntervalSec = 300
	}
	if c.Queue.RetentionHours == 0 {
		c.Queue.RetentionHours = 24
	}

	if c.Sampling.IntervalMS == 0 {
		c.Sampling.IntervalMS = 3000
	}

	if c.Sync.BatchMaxCount == 0 {
		c.Sync.BatchMaxCount = 50
	}
	if c.Sync.BatchMaxBytes == 0 {
		c.Sync.BatchMaxBytes = 64 * 1024
	}
	if c.Sync.IdleIntervalMS == 0 {
		c.Sync.IdleIntervalMS = 2000
	}
	if c.Sync.WriteTimeoutSec == 0 {
		c.Sync.WriteTimeoutSec = 10
	}
	if c.Sync.MaxAttempts == 0 {
		c.Sync.MaxAttempts = 5
	}
	if c.Sync.InitialDelayMS == 0 {
		c.Sync.InitialDelayMS = 2000
	}
	if c.Sync.MaxDelaySec == 0 {
		c.Sync.MaxDelaySec = 60
	}
	if c.Sync.BackoffFactor == 0 {
		c.Sync.BackoffFactor = 2
	}
	if c.Sync.WriteRPS == 0 {
		c.Sync.WriteRPS = 5
	}
	if c.Sync.WriteBurst == 0 {
		c.Sync.WriteBurst = 2
	}
	if c.Sync.StatusPollSec == 0 {
		c.Sync.StatusPollSec = 2
	}
	if c.Sync.StatePath == "" {
		c.Sync.StatePath = filepath.Join(c.Device.DataDir, "client_state.json")
	}

	c.MySQL.applyEnvDefaults()

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}

// applyEnvDefaults fills empty MySQL fields from the environment variables
// the deployment has always used: MYSQL_HOST, MYSQL_PORT, MYSQL_USER,
// MYSQL_PASSWORD, MYSQL_DATABASE.
func (m *MySQLConfig) applyEnvDefaults() {
	if m.Host == "" {
		m.Host = os.Getenv("MYSQL_HOST")
	}
	if m.Port == 0 {
		if p, err := strconv.Atoi(os.Getenv("MYSQL_PORT")); err == nil && p > 0 {
			m.Port = p
		}
	}
	if m.Port == 0 {
		m.Port = 3306
	}
	if m.User == "" {
		m.User = os.Getenv("MYSQL_USER")
	}
	if m.Password == "" {
		m.Password = os.Getenv("MYSQL_PASSWORD")
	}
	if m.Database == "" {
		m.Database = os.Getenv("MYSQL_DATABASE")
	}
	if m.ConnectTimeoutSec == 0 {
		m.ConnectTimeoutSec = 10
	}
	if m.PoolSize == 0 {
		if p, err := strconv.Atoi(os.Getenv("MYSQL_POOL_SIZE")); err == nil && p > 0 {
			m.PoolSize = p
		}
	}
	if m.PoolSize == 0 {
		m.PoolSize = 3
	}
}
