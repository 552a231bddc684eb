// Package config provides the configuration structure for the voice-service.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Defaults applied to unset fields.
const (
	DefaultLogsDir             = "logs"
	DefaultVoiceMetadataDir    = "voices/metadata"
	DefaultVoiceAudioDir       = "voices/audio"
	DefaultOutputDir           = "outputs"
	DefaultServiceURL          = "http://localhost:8000"
	DefaultEngineTimeout       = 300
	DefaultHealthCheckTimeout  = 10
	DefaultWorkers             = 1
	DefaultSampleRate          = 22050
	DefaultQueueCapacity       = 100
	DefaultMaxTextLength       = 1000
	DefaultSpeed               = 1.0
	DefaultMaxAudioDuration    = 30.0
	DefaultMinAudioDuration    = 0.5
	DefaultMaxFileSize         = 50 * 1024 * 1024
	DefaultReaperInterval      = 3600
	DefaultTaskTTL             = 7200
	DefaultEventsSubjectPrefix = "voice.tasks"
	DefaultSubmitSubject       = "voice.synthesize"
	DefaultControlPrefix       = "voice.api"
	DefaultArtifactBucket      = "VOICE_ARTIFACTS"
	DefaultCallbackTimeout     = 10
)

var (
	// ErrWorkersNotPositive indicates a worker count below one.
	ErrWorkersNotPositive = errors.New("engine.workers must be positive")
	// ErrQueueCapacityNotPositive indicates a queue capacity below one.
	ErrQueueCapacityNotPositive = errors.New("dispatch.queue_capacity must be positive")
	// ErrAudioDurationRange indicates a minimum reference duration above the maximum.
	ErrAudioDurationRange = errors.New("voices.min_audio_duration_seconds exceeds the maximum")
	// ErrSpeedRange indicates a default speed outside 0.5 to 2.0.
	ErrSpeedRange = errors.New("dispatch.default_speed must be between 0.5 and 2.0")
	// ErrEngineTimeoutNotPositive indicates an engine deadline below one second.
	ErrEngineTimeoutNotPositive = errors.New("engine.timeout_seconds must be positive")
	// ErrHealthTimeoutNotPositive indicates a health check deadline below one second.
	ErrHealthTimeoutNotPositive = errors.New("engine.health_check_timeout_seconds must be positive")
	// ErrSampleRateNotPositive indicates an output sample rate below one.
	ErrSampleRateNotPositive = errors.New("engine.sample_rate must be positive")
	// ErrCallbackTimeoutNotPositive indicates a callback deadline below one second.
	ErrCallbackTimeoutNotPositive = errors.New("dispatch.callback_timeout_seconds must be positive")
	// ErrMaxTextLengthNotPositive indicates a text limit below one character.
	ErrMaxTextLengthNotPositive = errors.New("dispatch.max_text_length must be positive")
	// ErrReaperIntervalNotPositive indicates a sweep interval below one second.
	ErrReaperIntervalNotPositive = errors.New("reaper.interval_seconds must be positive")
	// ErrTaskTTLNotPositive indicates a task retention below one second.
	ErrTaskTTLNotPositive = errors.New("reaper.task_ttl_seconds must be positive")
	// ErrVoiceLimitsNotPositive indicates a non-positive reference recording bound.
	ErrVoiceLimitsNotPositive = errors.New("voices limits must be positive")
)

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir      string `toml:"base_logs_dir"      env:"VOICE_LOGS_DIR"`
	VoiceMetadataDir string `toml:"voice_metadata_dir" env:"VOICE_METADATA_DIR"`
	VoiceAudioDir    string `toml:"voice_audio_dir"    env:"VOICE_AUDIO_DIR"`
	OutputDir        string `toml:"output_dir"         env:"VOICE_OUTPUT_DIR"`
}

// EngineConfig describes the synthesis engine and how it is guarded.
type EngineConfig struct {
	ServiceURL                string `toml:"service_url"                  env:"VOICE_ENGINE_URL"`
	TimeoutSeconds            int    `toml:"timeout_seconds"              env:"VOICE_ENGINE_TIMEOUT_SECONDS"`
	HealthCheckTimeoutSeconds int    `toml:"health_check_timeout_seconds"`
	Workers                   int    `toml:"workers"                      env:"VOICE_ENGINE_WORKERS"`
	SampleRate                int    `toml:"sample_rate"`
}

// Timeout is the hard deadline of one engine call.
func (e EngineConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// HealthCheckTimeout bounds the startup health check.
func (e EngineConfig) HealthCheckTimeout() time.Duration {
	return time.Duration(e.HealthCheckTimeoutSeconds) * time.Second
}

// DispatchConfig bounds the task queue and request shape.
type DispatchConfig struct {
	QueueCapacity          int     `toml:"queue_capacity"           env:"VOICE_QUEUE_CAPACITY"`
	MaxTextLength          int     `toml:"max_text_length"`
	DefaultSpeed           float64 `toml:"default_speed"`
	CallbackTimeoutSeconds int     `toml:"callback_timeout_seconds"`
}

// CallbackTimeout bounds one callback POST.
func (d DispatchConfig) CallbackTimeout() time.Duration {
	return time.Duration(d.CallbackTimeoutSeconds) * time.Second
}

// VoicesConfig bounds reference recordings.
type VoicesConfig struct {
	MaxAudioDurationSeconds float64 `toml:"max_audio_duration_seconds"`
	MinAudioDurationSeconds float64 `toml:"min_audio_duration_seconds"`
	MaxFileSizeBytes        int64   `toml:"max_file_size_bytes"`
}

// MaxAudioDuration is the longest accepted reference recording.
func (v VoicesConfig) MaxAudioDuration() time.Duration {
	return seconds(v.MaxAudioDurationSeconds)
}

// MinAudioDuration is the shortest accepted reference recording.
func (v VoicesConfig) MinAudioDuration() time.Duration {
	return seconds(v.MinAudioDurationSeconds)
}

// ReaperConfig schedules the cleanup sweep.
type ReaperConfig struct {
	IntervalSeconds int `toml:"interval_seconds"`
	TaskTTLSeconds  int `toml:"task_ttl_seconds"`
}

// Interval is the time between sweeps.
func (r ReaperConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

// TaskTTL is how long a terminal task is kept.
func (r ReaperConfig) TaskTTL() time.Duration {
	return time.Duration(r.TaskTTLSeconds) * time.Second
}

// NATSConfig holds the configuration for NATS. An empty URL disables the
// event publisher, the submission subject and the control operations.
type NATSConfig struct {
	URL                 string `toml:"url"                   env:"VOICE_NATS_URL"`
	EventsSubjectPrefix string `toml:"events_subject_prefix"`
	SubmitSubject       string `toml:"submit_subject"`
	// ControlPrefix is the subject prefix of voice and task operations.
	ControlPrefix string `toml:"control_prefix"`
	// StoreArtifacts keeps outputs in a JetStream object store bucket
	// instead of the output directory.
	StoreArtifacts bool   `toml:"store_artifacts"`
	ArtifactBucket string `toml:"artifact_bucket"`
}

// Enabled reports whether a NATS server is configured.
func (n NATSConfig) Enabled() bool {
	return n.URL != ""
}

// ArtifactsInObjectStore reports whether outputs go to the NATS bucket.
func (n NATSConfig) ArtifactsInObjectStore() bool {
	return n.Enabled() && n.StoreArtifacts
}

// Config is the root configuration structure.
type Config struct {
	Paths    PathsConfig    `toml:"paths"`
	Engine   EngineConfig   `toml:"engine"`
	Dispatch DispatchConfig `toml:"dispatch"`
	Voices   VoicesConfig   `toml:"voices"`
	Reaper   ReaperConfig   `toml:"reaper"`
	NATS     NATSConfig     `toml:"nats"`
}

// LoadEnv reads variables from the given .env files, or ./.env when none are
// named. Missing files are ignored and existing variables win. Variables
// named in the env tags above override the configuration file.
func LoadEnv(log *logger.Logger, filenames ...string) {
	err := godotenv.Load(filenames...)
	if err != nil {
		log.Info("No .env file loaded: %v", err)
	}
}

// Load loads the configuration for the voice-service.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finish(&cfg)
}

// Parse decodes TOML data and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config

	err := toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	return finish(&cfg)
}

// finish layers environment overrides over the file, then fills defaults.
func finish(cfg *Config) (*Config, error) {
	err := env.Parse(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	cfg.ApplyDefaults()

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	setDefault(&c.Paths.BaseLogsDir, DefaultLogsDir)
	setDefault(&c.Paths.VoiceMetadataDir, DefaultVoiceMetadataDir)
	setDefault(&c.Paths.VoiceAudioDir, DefaultVoiceAudioDir)
	setDefault(&c.Paths.OutputDir, DefaultOutputDir)

	setDefault(&c.Engine.ServiceURL, DefaultServiceURL)
	setDefault(&c.Engine.TimeoutSeconds, DefaultEngineTimeout)
	setDefault(&c.Engine.HealthCheckTimeoutSeconds, DefaultHealthCheckTimeout)
	setDefault(&c.Engine.Workers, DefaultWorkers)
	setDefault(&c.Engine.SampleRate, DefaultSampleRate)

	setDefault(&c.Dispatch.QueueCapacity, DefaultQueueCapacity)
	setDefault(&c.Dispatch.MaxTextLength, DefaultMaxTextLength)
	setDefault(&c.Dispatch.DefaultSpeed, DefaultSpeed)
	setDefault(&c.Dispatch.CallbackTimeoutSeconds, DefaultCallbackTimeout)

	setDefault(&c.Voices.MaxAudioDurationSeconds, DefaultMaxAudioDuration)
	setDefault(&c.Voices.MinAudioDurationSeconds, DefaultMinAudioDuration)
	setDefault(&c.Voices.MaxFileSizeBytes, DefaultMaxFileSize)

	setDefault(&c.Reaper.IntervalSeconds, DefaultReaperInterval)
	setDefault(&c.Reaper.TaskTTLSeconds, DefaultTaskTTL)

	setDefault(&c.NATS.EventsSubjectPrefix, DefaultEventsSubjectPrefix)
	setDefault(&c.NATS.SubmitSubject, DefaultSubmitSubject)
	setDefault(&c.NATS.ControlPrefix, DefaultControlPrefix)
	setDefault(&c.NATS.ArtifactBucket, DefaultArtifactBucket)
}

// Validate rejects settings the service cannot run with. Negative values
// are not replaced by defaults and fail here.
func (c *Config) Validate() error {
	positive := []struct {
		value int
		err   error
	}{
		{c.Engine.Workers, ErrWorkersNotPositive},
		{c.Engine.TimeoutSeconds, ErrEngineTimeoutNotPositive},
		{c.Engine.HealthCheckTimeoutSeconds, ErrHealthTimeoutNotPositive},
		{c.Engine.SampleRate, ErrSampleRateNotPositive},
		{c.Dispatch.QueueCapacity, ErrQueueCapacityNotPositive},
		{c.Dispatch.MaxTextLength, ErrMaxTextLengthNotPositive},
		{c.Dispatch.CallbackTimeoutSeconds, ErrCallbackTimeoutNotPositive},
		{c.Reaper.IntervalSeconds, ErrReaperIntervalNotPositive},
		{c.Reaper.TaskTTLSeconds, ErrTaskTTLNotPositive},
	}

	for _, field := range positive {
		if field.value <= 0 {
			return fmt.Errorf("%w: got %d", field.err, field.value)
		}
	}

	if c.Voices.MaxFileSizeBytes <= 0 || c.Voices.MinAudioDurationSeconds <= 0 {
		return fmt.Errorf("%w: max_file_size_bytes %d, min_audio_duration_seconds %.2f",
			ErrVoiceLimitsNotPositive, c.Voices.MaxFileSizeBytes, c.Voices.MinAudioDurationSeconds)
	}

	if c.Voices.MinAudioDurationSeconds > c.Voices.MaxAudioDurationSeconds {
		return fmt.Errorf("%w: %.2f > %.2f", ErrAudioDurationRange,
			c.Voices.MinAudioDurationSeconds, c.Voices.MaxAudioDurationSeconds)
	}

	if c.Dispatch.DefaultSpeed < 0.5 || c.Dispatch.DefaultSpeed > 2.0 {
		return fmt.Errorf("%w: got %.2f", ErrSpeedRange, c.Dispatch.DefaultSpeed)
	}

	return nil
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

func seconds(value float64) time.Duration {
	return time.Duration(value * float64(time.Second))
}
