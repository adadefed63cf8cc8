// Package config provides environment-based configuration for the build pipeline processes.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Role identifies which process is loading the configuration. Each role has
// its own set of required fields.
type Role string

const (
	RoleAPI      Role = "api"
	RoleGateway  Role = "gateway"
	RoleIngestor Role = "ingestor"
	RoleBuildJob Role = "buildjob"
	RoleProxy    Role = "proxy"
)

// Config holds all configuration for the pipeline processes.
type Config struct {
	LogLevel        string        `yaml:"log_level"`
	LogJSON         bool          `yaml:"log_json"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	API      APIConfig      `yaml:"api"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Ingestor IngestorConfig `yaml:"ingestor"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Build    BuildConfig    `yaml:"build"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	Redis    RedisConfig    `yaml:"redis"`
	Blob     BlobConfig     `yaml:"blob"`
	Launcher LauncherConfig `yaml:"launcher"`
}

// APIConfig holds control-plane HTTP server configuration.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ProxyDomain is the domain deployments are served under (<slug>.<domain>).
	ProxyDomain string `yaml:"proxy_domain"`
}

// GatewayConfig holds realtime gateway configuration.
type GatewayConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// FeedPattern is the pattern subscribed on the broadcast feed.
	FeedPattern string `yaml:"feed_pattern"`
	// SendBuffer bounds the per-session outbound queue.
	SendBuffer int `yaml:"send_buffer"`
}

// IngestorConfig holds log ingestor configuration.
type IngestorConfig struct {
	BatchSize         int           `yaml:"batch_size"`
	FetchWait         time.Duration `yaml:"fetch_wait"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	// MaxRetryDelay caps the back-off of a failing write. It must stay
	// below NATS.AckWait so the in-flight batch is not redelivered.
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
	// Partitions lists the transport partitions owned by this instance.
	// Empty means all partitions.
	Partitions  []int `yaml:"partitions"`
	MetricsPort int   `yaml:"metrics_port"`
}

// ProxyConfig holds reverse proxy configuration.
type ProxyConfig struct {
	Port     int    `yaml:"port"`
	BasePath string `yaml:"base_path"`
}

// BuildConfig holds the execution context of one build job.
type BuildConfig struct {
	RepoURL      string        `yaml:"repo_url"`
	ProjectID    string        `yaml:"project_id"`
	DeploymentID string        `yaml:"deployment_id"`
	WorkDir      string        `yaml:"work_dir"`
	OutputDir    string        `yaml:"output_dir"`
	Command      string        `yaml:"command"`
	Timeout      time.Duration `yaml:"timeout"`
	QueueSize    int           `yaml:"queue_size"`
}

// DatabaseConfig holds log store configuration.
type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// NATSConfig holds log transport configuration.
type NATSConfig struct {
	URL        string `yaml:"url"`
	Stream     string `yaml:"stream"`
	Partitions int    `yaml:"partitions"`
	Durable    string `yaml:"durable"`
	// AckWait is how long the server waits for an ack before redelivering.
	AckWait time.Duration `yaml:"ack_wait"`
}

// RedisConfig holds broadcast feed configuration.
type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// BlobConfig holds artifact storage configuration.
type BlobConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

// LauncherConfig holds configuration for launching build jobs on the fleet.
type LauncherConfig struct {
	Image   string `yaml:"image"`
	Network string `yaml:"network"`
	CPU     string `yaml:"cpu"`
	Memory  string `yaml:"memory"`
}

// Load reads configuration for the given role. A .env file in the working
// directory is loaded first when present, then the optional YAML file named by
// CONFIG_FILE, then environment variables.
func Load(role Role) (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(role); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Defaults returns a Config populated with development defaults.
func Defaults() *Config {
	return &Config{
		LogLevel:        "info",
		LogJSON:         true,
		ShutdownTimeout: 30 * time.Second,
		API: APIConfig{
			Host:        "0.0.0.0",
			Port:        9000,
			ProxyDomain: "localhost:8000",
		},
		Gateway: GatewayConfig{
			Host:        "0.0.0.0",
			Port:        9001,
			FeedPattern: "logs:*",
			SendBuffer:  256,
		},
		Ingestor: IngestorConfig{
			BatchSize:         100,
			FetchWait:         2 * time.Second,
			HeartbeatInterval: 5 * time.Second,
			RetryDelay:        2 * time.Second,
			MaxRetryDelay:     10 * time.Second,
			MetricsPort:       9002,
		},
		Proxy: ProxyConfig{
			Port: 8000,
		},
		Build: BuildConfig{
			WorkDir:   "/home/app/output",
			OutputDir: "dist",
			Command:   "npm install && npm run build",
			Timeout:   5 * time.Minute,
			QueueSize: 1024,
		},
		Database: DatabaseConfig{
			Driver: "postgres",
			DSN:    "postgres://localhost:5432/buildstream?sslmode=disable",
		},
		NATS: NATSConfig{
			URL:        "nats://localhost:4222",
			Stream:     "container-logs",
			Partitions: 8,
			Durable:    "log-ingestor",
			AckWait:    30 * time.Second,
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			ChannelPrefix: "logs:",
		},
		Blob: BlobConfig{
			Endpoint: "localhost:9000",
			Region:   "us-east-1",
			Bucket:   "deployments",
		},
		Launcher: LauncherConfig{
			Image: "localhost/buildstream-buildjob:latest",
		},
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogJSON = getBoolEnv("LOG_JSON", c.LogJSON)
	c.ShutdownTimeout = getDurationEnv("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)

	c.API.Host = getEnv("API_HOST", c.API.Host)
	c.API.Port = getIntEnv("API_PORT", c.API.Port)
	c.API.ProxyDomain = getEnv("PROXY_DOMAIN", c.API.ProxyDomain)

	c.Gateway.Host = getEnv("GATEWAY_HOST", c.Gateway.Host)
	c.Gateway.Port = getIntEnv("GATEWAY_PORT", c.Gateway.Port)
	c.Gateway.FeedPattern = getEnv("GATEWAY_FEED_PATTERN", c.Gateway.FeedPattern)
	c.Gateway.SendBuffer = getIntEnv("GATEWAY_SEND_BUFFER", c.Gateway.SendBuffer)

	c.Ingestor.BatchSize = getIntEnv("INGESTOR_BATCH_SIZE", c.Ingestor.BatchSize)
	c.Ingestor.FetchWait = getDurationEnv("INGESTOR_FETCH_WAIT", c.Ingestor.FetchWait)
	c.Ingestor.HeartbeatInterval = getDurationEnv("INGESTOR_HEARTBEAT_INTERVAL", c.Ingestor.HeartbeatInterval)
	c.Ingestor.RetryDelay = getDurationEnv("INGESTOR_RETRY_DELAY", c.Ingestor.RetryDelay)
	c.Ingestor.MaxRetryDelay = getDurationEnv("INGESTOR_MAX_RETRY_DELAY", c.Ingestor.MaxRetryDelay)
	c.Ingestor.Partitions = getIntListEnv("INGESTOR_PARTITIONS", c.Ingestor.Partitions)
	c.Ingestor.MetricsPort = getIntEnv("INGESTOR_METRICS_PORT", c.Ingestor.MetricsPort)

	c.Proxy.Port = getIntEnv("PROXY_PORT", c.Proxy.Port)
	c.Proxy.BasePath = getEnv("BASE_PATH", c.Proxy.BasePath)

	c.Build.RepoURL = getEnv("REPO_URL", c.Build.RepoURL)
	c.Build.ProjectID = getEnv("PROJECT_ID", c.Build.ProjectID)
	c.Build.DeploymentID = getEnv("DEPLOYMENT_ID", c.Build.DeploymentID)
	c.Build.WorkDir = getEnv("BUILD_WORKDIR", c.Build.WorkDir)
	c.Build.OutputDir = getEnv("BUILD_OUTPUT_DIR", c.Build.OutputDir)
	c.Build.Command = getEnv("BUILD_COMMAND", c.Build.Command)
	c.Build.Timeout = getDurationEnv("BUILD_TIMEOUT", c.Build.Timeout)
	c.Build.QueueSize = getIntEnv("BUILD_LOG_QUEUE_SIZE", c.Build.QueueSize)

	c.Database.Driver = getEnv("DATABASE_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("DATABASE_URL", c.Database.DSN)

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.Stream = getEnv("NATS_STREAM", c.NATS.Stream)
	c.NATS.Partitions = getIntEnv("NATS_PARTITIONS", c.NATS.Partitions)
	c.NATS.Durable = getEnv("NATS_DURABLE", c.NATS.Durable)
	c.NATS.AckWait = getDurationEnv("NATS_ACK_WAIT", c.NATS.AckWait)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getIntEnv("REDIS_DB", c.Redis.DB)
	c.Redis.ChannelPrefix = getEnv("REDIS_CHANNEL_PREFIX", c.Redis.ChannelPrefix)

	c.Blob.Endpoint = getEnv("BLOB_ENDPOINT", c.Blob.Endpoint)
	c.Blob.AccessKey = getEnv("BLOB_ACCESS_KEY", c.Blob.AccessKey)
	c.Blob.SecretKey = getEnv("BLOB_SECRET_KEY", c.Blob.SecretKey)
	c.Blob.Region = getEnv("BLOB_REGION", c.Blob.Region)
	c.Blob.UseSSL = getBoolEnv("BLOB_USE_SSL", c.Blob.UseSSL)
	c.Blob.Bucket = getEnv("BLOB_BUCKET", c.Blob.Bucket)

	c.Launcher.Image = getEnv("LAUNCHER_IMAGE", c.Launcher.Image)
	c.Launcher.Network = getEnv("LAUNCHER_NETWORK", c.Launcher.Network)
	c.Launcher.CPU = getEnv("LAUNCHER_CPU", c.Launcher.CPU)
	c.Launcher.Memory = getEnv("LAUNCHER_MEMORY", c.Launcher.Memory)
}

// Validate checks the fields required by role. All problems are reported
// together in a single error.
func (c *Config) Validate(role Role) error {
	var errs []error
	require := func(value, name string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	positive := func(value int, name string) {
		if value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT must be positive"))
	}

	switch role {
	case RoleAPI:
		positive(c.API.Port, "API_PORT")
		require(c.Launcher.Image, "LAUNCHER_IMAGE")
		errs = append(errs, c.validateDatabase()...)
	case RoleGateway:
		positive(c.Gateway.Port, "GATEWAY_PORT")
		positive(c.Gateway.SendBuffer, "GATEWAY_SEND_BUFFER")
		require(c.Gateway.FeedPattern, "GATEWAY_FEED_PATTERN")
		require(c.Redis.Addr, "REDIS_ADDR")
	case RoleIngestor:
		positive(c.Ingestor.BatchSize, "INGESTOR_BATCH_SIZE")
		require(c.NATS.URL, "NATS_URL")
		require(c.NATS.Stream, "NATS_STREAM")
		require(c.NATS.Durable, "NATS_DURABLE")
		positive(c.NATS.Partitions, "NATS_PARTITIONS")
		if c.Ingestor.MaxRetryDelay >= c.NATS.AckWait {
			errs = append(errs, fmt.Errorf("INGESTOR_MAX_RETRY_DELAY (%s) must be below NATS_ACK_WAIT (%s)", c.Ingestor.MaxRetryDelay, c.NATS.AckWait))
		}
		for _, p := range c.Ingestor.Partitions {
			if p < 0 || p >= c.NATS.Partitions {
				errs = append(errs, fmt.Errorf("INGESTOR_PARTITIONS: partition %d out of range [0,%d)", p, c.NATS.Partitions))
			}
		}
		errs = append(errs, c.validateDatabase()...)
	case RoleBuildJob:
		require(c.Build.RepoURL, "REPO_URL")
		require(c.Build.ProjectID, "PROJECT_ID")
		require(c.Build.DeploymentID, "DEPLOYMENT_ID")
		require(c.Build.WorkDir, "BUILD_WORKDIR")
		require(c.Build.Command, "BUILD_COMMAND")
		if c.Build.Timeout <= 0 {
			errs = append(errs, errors.New("BUILD_TIMEOUT must be positive"))
		}
		positive(c.Build.QueueSize, "BUILD_LOG_QUEUE_SIZE")
		require(c.NATS.URL, "NATS_URL")
		require(c.NATS.Stream, "NATS_STREAM")
		positive(c.NATS.Partitions, "NATS_PARTITIONS")
		require(c.Redis.Addr, "REDIS_ADDR")
		require(c.Blob.Endpoint, "BLOB_ENDPOINT")
		require(c.Blob.AccessKey, "BLOB_ACCESS_KEY")
		require(c.Blob.SecretKey, "BLOB_SECRET_KEY")
		require(c.Blob.Bucket, "BLOB_BUCKET")
		if strings.Contains(c.Blob.Endpoint, "://") {
			errs = append(errs, fmt.Errorf("BLOB_ENDPOINT must not include scheme: %q", c.Blob.Endpoint))
		}
	case RoleProxy:
		positive(c.Proxy.Port, "PROXY_PORT")
		require(c.Proxy.BasePath, "BASE_PATH")
	default:
		errs = append(errs, fmt.Errorf("unknown role %q", role))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) validateDatabase() []error {
	switch c.Database.Driver {
	case "memory":
		return nil
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return []error{errors.New("DATABASE_URL is required")}
		}
		return nil
	default:
		return []error{fmt.Errorf("DATABASE_DRIVER must be postgres or memory, got %q", c.Database.Driver)}
	}
}

// OwnedPartitions returns the partitions this ingestor instance consumes.
func (c *Config) OwnedPartitions() []int {
	if len(c.Ingestor.Partitions) > 0 {
		return c.Ingestor.Partitions
	}
	all := make([]int, c.NATS.Partitions)
	for i := range all {
		all[i] = i
	}
	return all
}

// JobEnv returns the settings a launched build job needs to reach the log
// transport, the broadcast feed and artifact storage. The job's identity
// (REPO_URL, PROJECT_ID, DEPLOYMENT_ID) is added per launch.
func (c *Config) JobEnv() map[string]string {
	env := map[string]string{
		"LOG_LEVEL":            c.LogLevel,
		"LOG_JSON":             strconv.FormatBool(c.LogJSON),
		"NATS_URL":             c.NATS.URL,
		"NATS_STREAM":          c.NATS.Stream,
		"NATS_PARTITIONS":      strconv.Itoa(c.NATS.Partitions),
		"REDIS_ADDR":           c.Redis.Addr,
		"REDIS_PASSWORD":       c.Redis.Password,
		"REDIS_DB":             strconv.Itoa(c.Redis.DB),
		"REDIS_CHANNEL_PREFIX": c.Redis.ChannelPrefix,
		"BLOB_ENDPOINT":        c.Blob.Endpoint,
		"BLOB_ACCESS_KEY":      c.Blob.AccessKey,
		"BLOB_SECRET_KEY":      c.Blob.SecretKey,
		"BLOB_REGION":          c.Blob.Region,
		"BLOB_USE_SSL":         strconv.FormatBool(c.Blob.UseSSL),
		"BLOB_BUCKET":          c.Blob.Bucket,
		"BUILD_WORKDIR":        c.Build.WorkDir,
		"BUILD_OUTPUT_DIR":     c.Build.OutputDir,
		"BUILD_COMMAND":        c.Build.Command,
		"BUILD_TIMEOUT":        c.Build.Timeout.String(),
	}
	for k, v := range env {
		if v == "" {
			delete(env, k)
		}
	}
	return env
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getIntListEnv parses a comma separated list of integers. Entries that do not
// parse are skipped.
func getIntListEnv(key string, defaultValue []int) []int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []int
	for _, part := range strings.Split(value, ",") {
		if i, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			out = append(out, i)
		}
	}
	return out
}
