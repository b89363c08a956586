// Package config loads daemon settings from defaults, an optional YAML file
// and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "VEX"

type Config struct {
	Server    Server
	Store     Store
	RunPod    RunPod
	Engine    Engine
	Monitor   Monitor
	Media     Media
	Artifacts Artifacts
	Jobs      Jobs
	Logger    Logger
}

type Server struct {
	Addr            string `validate:"required"`
	APIToken        string
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

type Store struct {
	Path          string        `validate:"required"`
	Driver        string        `validate:"oneof=sqlite3 sqlite"`
	BusyTimeout   time.Duration `validate:"gte=0"`
	RetryAttempts int           `validate:"gte=1"`
	RetryDelay    time.Duration `validate:"gte=0"`
	MaxOpenConns  int           `validate:"gte=1"`
}

type RunPod struct {
	Endpoint string
	APIKey   string
	// Endpoints maps a job type to its own endpoint URL.
	Endpoints map[string]string
	Timeout   time.Duration `validate:"gt=0"`
	Breaker   Breaker
	// EndpointID names the endpoint GPU control scales. Derived from
	// Endpoint when unset.
	EndpointID string
	GraphQLURL string `validate:"omitempty,url"`
}

type Breaker struct {
	MaxRequests  uint32
	Interval     time.Duration `validate:"gte=0"`
	Timeout      time.Duration `validate:"gte=0"`
	MinRequests  uint32
	FailureRatio float64 `validate:"gte=0,lte=1"`
}

type Engine struct {
	PollInterval       time.Duration `validate:"gt=0"`
	PollRetries        int           `validate:"gte=1"`
	PollRetryDelay     time.Duration `validate:"gt=0"`
	ColdStartThreshold time.Duration `validate:"gt=0"`
}

type Monitor struct {
	Interval         time.Duration `validate:"gt=0"`
	HeartbeatTimeout time.Duration `validate:"gt=0"`
}

type Media struct {
	FFmpegPath      string
	FFprobePath     string
	OutputDir       string `validate:"required"`
	ValidateOutputs bool
	ProbeTimeout    time.Duration `validate:"gt=0"`
}

type Artifacts struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

type Jobs struct {
	RetentionDays   int           `validate:"gte=0"`
	CleanupInterval time.Duration `validate:"gt=0"`
}

type Logger struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=json text"`
	Output string
}

var validate = validator.New()

// legacyEnv binds keys to the unprefixed variable names older deployments
// already set. The prefixed name still wins when both are present.
var legacyEnv = map[string]string{
	"store.path":                          "DB_PATH",
	"runpod.endpoint":                     "RUNPOD_ENDPOINT",
	"runpod.api_key":                      "RUNPOD_API_KEY",
	"runpod.endpoint_id":                  "RUNPOD_ENDPOINT_ID",
	"runpod.endpoints.video":              "RUNPOD_VIDEO_ENDPOINT",
	"runpod.endpoints.tts":                "RUNPOD_TTS_ENDPOINT",
	"runpod.endpoints.lipsync":            "RUNPOD_LIPSYNC_ENDPOINT",
	"runpod.endpoints.lora":               "RUNPOD_LORA_ENDPOINT",
	"artifacts.bucket":                    "S3_BUCKET",
	"monitor.heartbeat_timeout_seconds":   "JOB_HEARTBEAT_TIMEOUT",
	"engine.cold_start_threshold_seconds": "COLD_START_THRESHOLD",
}

var endpointTypes = []string{"video", "tts", "lipsync", "lora"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.api_token", "")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("store.path", "./jobs.db")
	v.SetDefault("store.driver", "sqlite3")
	v.SetDefault("store.busy_timeout", "5s")
	v.SetDefault("store.retry_attempts", 3)
	v.SetDefault("store.retry_delay", "100ms")
	v.SetDefault("store.max_open_conns", 1)

	v.SetDefault("runpod.endpoint", "")
	v.SetDefault("runpod.api_key", "")
	for _, t := range endpointTypes {
		v.SetDefault("runpod.endpoints."+t, "")
	}
	v.SetDefault("runpod.timeout", "30s")
	v.SetDefault("runpod.endpoint_id", "")
	v.SetDefault("runpod.graphql_url", "https://api.runpod.io/graphql")
	v.SetDefault("runpod.breaker.max_requests", 1)
	v.SetDefault("runpod.breaker.interval", "60s")
	v.SetDefault("runpod.breaker.timeout", "30s")
	v.SetDefault("runpod.breaker.min_requests", 3)
	v.SetDefault("runpod.breaker.failure_ratio", 0.6)

	v.SetDefault("engine.poll_interval", "2s")
	v.SetDefault("engine.poll_retries", 3)
	v.SetDefault("engine.poll_retry_delay", "1s")
	v.SetDefault("engine.cold_start_threshold_seconds", 15)

	v.SetDefault("monitor.interval", "30s")
	v.SetDefault("monitor.heartbeat_timeout_seconds", 600)

	v.SetDefault("media.ffmpeg_path", "ffmpeg")
	v.SetDefault("media.ffprobe_path", "ffprobe")
	v.SetDefault("media.output_dir", "./outputs")
	v.SetDefault("media.validate_outputs", true)
	v.SetDefault("media.probe_timeout", "30s")

	v.SetDefault("artifacts.bucket", "")
	v.SetDefault("artifacts.region", "")
	v.SetDefault("artifacts.endpoint", "")
	v.SetDefault("artifacts.prefix", "")

	v.SetDefault("jobs.retention_days", 0)
	v.SetDefault("jobs.cleanup_interval", "1h")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stderr")
}

// Load reads configuration. An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		Server:    getServerConfig(v),
		Store:     getStoreConfig(v),
		RunPod:    getRunPodConfig(v),
		Engine:    getEngineConfig(v),
		Monitor:   getMonitorConfig(v),
		Media:     getMediaConfig(v),
		Artifacts: getArtifactsConfig(v),
		Jobs:      getJobsConfig(v),
		Logger:    getLoggerConfig(v),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getServerConfig(v *viper.Viper) Server {
	return Server{
		Addr:            v.GetString("server.addr"),
		APIToken:        v.GetString("server.api_token"),
		ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
	}
}

func getStoreConfig(v *viper.Viper) Store {
	return Store{
		Path:          v.GetString("store.path"),
		Driver:        v.GetString("store.driver"),
		BusyTimeout:   v.GetDuration("store.busy_timeout"),
		RetryAttempts: v.GetInt("store.retry_attempts"),
		RetryDelay:    v.GetDuration("store.retry_delay"),
		MaxOpenConns:  v.GetInt("store.max_open_conns"),
	}
}

func getRunPodConfig(v *viper.Viper) RunPod {
	endpoints := map[string]string{}
	for _, t := range endpointTypes {
		if ep := strings.TrimSpace(v.GetString("runpod.endpoints." + t)); ep != "" {
			endpoints[strings.ToUpper(t)] = ep
		}
	}
	endpoint := strings.TrimSpace(v.GetString("runpod.endpoint"))
	endpointID := strings.TrimSpace(v.GetString("runpod.endpoint_id"))
	if endpointID == "" && endpoint != "" {
		endpointID = path.Base(strings.TrimRight(endpoint, "/"))
	}
	return RunPod{
		Endpoint:   endpoint,
		EndpointID: endpointID,
		GraphQLURL: strings.TrimSpace(v.GetString("runpod.graphql_url")),
		APIKey:     strings.TrimSpace(v.GetString("runpod.api_key")),
		Endpoints:  endpoints,
		Timeout:    v.GetDuration("runpod.timeout"),
		Breaker: Breaker{
			MaxRequests:  v.GetUint32("runpod.breaker.max_requests"),
			Interval:     v.GetDuration("runpod.breaker.interval"),
			Timeout:      v.GetDuration("runpod.breaker.timeout"),
			MinRequests:  v.GetUint32("runpod.breaker.min_requests"),
			FailureRatio: v.GetFloat64("runpod.breaker.failure_ratio"),
		},
	}
}

func getEngineConfig(v *viper.Viper) Engine {
	return Engine{
		PollInterval:       v.GetDuration("engine.poll_interval"),
		PollRetries:        v.GetInt("engine.poll_retries"),
		PollRetryDelay:     v.GetDuration("engine.poll_retry_delay"),
		ColdStartThreshold: seconds(v, "engine.cold_start_threshold_seconds"),
	}
}

func getMonitorConfig(v *viper.Viper) Monitor {
	return Monitor{
		Interval:         v.GetDuration("monitor.interval"),
		HeartbeatTimeout: seconds(v, "monitor.heartbeat_timeout_seconds"),
	}
}

func getMediaConfig(v *viper.Viper) Media {
	return Media{
		FFmpegPath:      v.GetString("media.ffmpeg_path"),
		FFprobePath:     v.GetString("media.ffprobe_path"),
		OutputDir:       v.GetString("media.output_dir"),
		ValidateOutputs: v.GetBool("media.validate_outputs"),
		ProbeTimeout:    v.GetDuration("media.probe_timeout"),
	}
}

func getArtifactsConfig(v *viper.Viper) Artifacts {
	return Artifacts{
		Bucket:   strings.TrimSpace(v.GetString("artifacts.bucket")),
		Region:   v.GetString("artifacts.region"),
		Endpoint: v.GetString("artifacts.endpoint"),
		Prefix:   v.GetString("artifacts.prefix"),
	}
}

func getJobsConfig(v *viper.Viper) Jobs {
	return Jobs{
		RetentionDays:   v.GetInt("jobs.retention_days"),
		CleanupInterval: v.GetDuration("jobs.cleanup_interval"),
	}
}

func getLoggerConfig(v *viper.Viper) Logger {
	return Logger{
		Level:  strings.ToLower(v.GetString("logger.level")),
		Format: strings.ToLower(v.GetString("logger.format")),
		Output: v.GetString("logger.output"),
	}
}

// seconds reads an integer number of seconds, the unit the legacy
// variables use.
func seconds(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Second
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, e := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", e.Namespace(), e.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.RunPod.APIKey == "" && (c.RunPod.Endpoint != "" || len(c.RunPod.Endpoints) > 0) {
		return errors.New("invalid config: runpod endpoint set without runpod api key")
	}
	return nil
}

// Warnings lists settings that are legal but likely wrong.
func (c *Config) Warnings() []string {
	var out []string
	if c.Monitor.HeartbeatTimeout < 3*c.Engine.PollInterval {
		out = append(out, fmt.Sprintf(
			"heartbeat timeout %s is under three poll intervals (%s); healthy jobs may be reclaimed",
			c.Monitor.HeartbeatTimeout, c.Engine.PollInterval,
		))
	}
	if c.RunPod.Endpoint == "" && len(c.RunPod.Endpoints) == 0 {
		out = append(out, "no RunPod endpoint configured; worker jobs will fail with config_error")
	}
	return out
}

// RetentionPeriod is zero when periodic cleanup is disabled.
func (c *Config) RetentionPeriod() time.Duration {
	return time.Duration(c.Jobs.RetentionDays) * 24 * time.Hour
}
