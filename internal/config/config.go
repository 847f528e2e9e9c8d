package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// DatabaseURL selects the report store. postgres:// and postgresql:// use
	// pgx, sqlite:// opens an embedded file. Empty keeps reports on disk only.
	DatabaseURL string `env:"DATABASE_URL"`

	WorkDir   string `env:"WORK_DIR" envDefault:"./work"`
	ReportDir string `env:"REPORT_DIR" envDefault:"./reports"`
	WatchDir  string `env:"WATCH_DIR"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken   string   `env:"AUTH_TOKEN"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`
	LogLevel    string   `env:"LOG_LEVEL" envDefault:"info"`

	Pipeline PipelineConfig
	Models   ModelConfig
	MQTT     MQTTConfig
	S3       S3Config
}

// PipelineConfig carries the segmentation, scoring and concurrency knobs.
type PipelineConfig struct {
	JobWorkers   int           `env:"JOB_WORKERS" envDefault:"2"`
	JobQueueSize int           `env:"JOB_QUEUE_SIZE" envDefault:"50"`
	ChunkWorkers int           `env:"CHUNK_WORKERS" envDefault:"4"`
	ChunkTimeout time.Duration `env:"CHUNK_TIMEOUT" envDefault:"120s"`
	Retention    time.Duration `env:"JOB_RETENTION" envDefault:"24h"`

	ChunkDuration   float64 `env:"CHUNK_DURATION" envDefault:"30"`
	MinSpeech       float64 `env:"MIN_SPEECH" envDefault:"0.5"`
	MergeGap        float64 `env:"MERGE_GAP" envDefault:"0.3"`
	SpeechThreshold float64 `env:"SPEECH_THRESHOLD" envDefault:"0.5"`
	HybridAlpha     float64 `env:"HYBRID_ALPHA" envDefault:"0.5"`
}

// ModelConfig points at the external speech, VAD and embedding services.
type ModelConfig struct {
	DefaultModel    string        `env:"DEFAULT_MODEL" envDefault:"faster-whisper"`
	DefaultLanguage string        `env:"DEFAULT_LANGUAGE" envDefault:"en"`
	WhisperURL      string        `env:"WHISPER_URL" envDefault:"http://localhost:8000"`
	WhisperTimeout  time.Duration `env:"WHISPER_TIMEOUT" envDefault:"60s"`
	DeepInfraKey    string        `env:"DEEPINFRA_API_KEY"`
	ElevenLabsKey   string        `env:"ELEVENLABS_API_KEY"`
	EmbeddingURL    string        `env:"EMBEDDING_URL"`
	EmbeddingModel  string        `env:"EMBEDDING_MODEL" envDefault:"all-MiniLM-L6-v2"`
	VADURL          string        `env:"VAD_URL"`
}

type MQTTConfig struct {
	BrokerURL   string `env:"MQTT_BROKER_URL"`
	ClientID    string `env:"MQTT_CLIENT_ID" envDefault:"subcheck"`
	TopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"subcheck/jobs"`
	Username    string `env:"MQTT_USERNAME"`
	Password    string `env:"MQTT_PASSWORD"`
}

func (c MQTTConfig) Enabled() bool { return c.BrokerURL != "" }

// S3Config enables the object store backend for reports and exports.
type S3Config struct {
	Bucket        string        `env:"S3_BUCKET"`
	Endpoint      string        `env:"S3_ENDPOINT"`
	Region        string        `env:"S3_REGION" envDefault:"us-east-1"`
	AccessKey     string        `env:"S3_ACCESS_KEY"`
	SecretKey     string        `env:"S3_SECRET_KEY"`
	Prefix        string        `env:"S3_PREFIX"`
	PresignExpiry time.Duration `env:"S3_PRESIGN_EXPIRY" envDefault:"1h"`
	LocalCache    bool          `env:"S3_LOCAL_CACHE" envDefault:"true"`
}

func (c S3Config) Enabled() bool { return c.Bucket != "" }

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	WorkDir     string
	WatchDir    string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.WorkDir != "" {
		cfg.WorkDir = overrides.WorkDir
	}
	if overrides.WatchDir != "" {
		cfg.WatchDir = overrides.WatchDir
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	p := c.Pipeline
	if p.JobWorkers < 1 || p.ChunkWorkers < 1 {
		return fmt.Errorf("JOB_WORKERS and CHUNK_WORKERS must be >= 1")
	}
	if p.ChunkDuration <= 0 {
		return fmt.Errorf("CHUNK_DURATION must be > 0, got %v", p.ChunkDuration)
	}
	if p.SpeechThreshold < 0 || p.SpeechThreshold > 1 {
		return fmt.Errorf("SPEECH_THRESHOLD must be within [0,1], got %v", p.SpeechThreshold)
	}
	if p.HybridAlpha < 0 || p.HybridAlpha > 1 {
		return fmt.Errorf("HYBRID_ALPHA must be within [0,1], got %v", p.HybridAlpha)
	}
	if p.MinSpeech < 0 || p.MergeGap < 0 {
		return fmt.Errorf("MIN_SPEECH and MERGE_GAP must be >= 0")
	}
	if p.ChunkTimeout <= 0 {
		return fmt.Errorf("CHUNK_TIMEOUT must be > 0")
	}
	return nil
}
