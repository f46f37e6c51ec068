package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server     ServerConfig
	Redis      RedisConfig
	Storage    StorageConfig
	Worker     WorkerConfig
	JWT        JWTConfig
	Zitadel    ZitadelConfig
	Gateway    GatewayConfig
	RateLimit  RateLimitConfig
	OpenAI     OpenAIConfig
	ElevenLabs ElevenLabsConfig
	HeyGen     HeyGenConfig
	Artifacts  ArtifactsConfig
	Personas   PersonasConfig
	Files      FilesConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string
	ApiDomain string
	Workers   int // number of OS processes sharing the job store
}

type RedisConfig struct {
	URL string
}

type StorageConfig struct {
	Backend             string // memory | redis | firestore | sql
	FirestoreProjectID  string
	FirestoreCollection string
	SQLDriver           string // sqlite | mysql
	SQLDSN              string
	CleanupMaxAgeHours  int
	CleanupInterval     time.Duration
	StaleAfter          time.Duration // cancel pending/processing jobs older than this; 0 disables
}

type WorkerConfig struct {
	Mode        string // inline | asynq
	Concurrency int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	SubmitPerHour int
}

type OpenAIConfig struct {
	APIKey          string
	BaseURL         string
	Model           string
	RoastModel      string
	TranscribeModel string
	MaxTokens       int
	Temperature     float64
	Timeout         time.Duration
}

type ElevenLabsConfig struct {
	APIKey          string
	BaseURL         string
	ModelID         string
	OutputFormat    string
	Stability       float64
	SimilarityBoost float64
	Style           float64
	SpeakerBoost    bool
	Timeout         time.Duration
}

type HeyGenConfig struct {
	APIKey          string
	BaseURL         string
	DefaultAvatarID string
	DefaultVoiceID  string
	PollInterval    time.Duration
	MaxWait         time.Duration
	Timeout         time.Duration
}

type ArtifactsConfig struct {
	Backend   string // none | s3 | nats
	KeyPrefix string
	S3        S3Config
	NATS      NATSConfig
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // optional, for R2/MinIO style endpoints
	AccessKeyID     string
	SecretAccessKey string
	PublicURL       string
}

type NATSConfig struct {
	URL       string
	Bucket    string
	PublicURL string
}

type PersonasConfig struct {
	File      string
	BaseDir   string
	DefaultID string
}

type FilesConfig struct {
	UploadDir     string
	OutputDir     string
	MaxUploadSize int64 // bytes
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_URL")
	readSecret("JWT_SECRET")
	readSecret("OPENAI_API_KEY")
	readSecret("ELEVENLABS_API_KEY")
	readSecret("HEYGEN_API_KEY")
	readSecret("AWS_ACCESS_KEY_ID")
	readSecret("AWS_SECRET_ACCESS_KEY")
	readSecret("ZITADEL_CLIENT_ID")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	bindings := map[string]string{
		"server.port":                    "SERVER_PORT",
		"server.env":                     "SERVER_ENV",
		"server.log_level":               "LOG_LEVEL",
		"server.log_format":              "LOG_FORMAT",
		"server.api_domain":              "API_DOMAIN",
		"server.workers":                 "WORKERS",
		"redis.url":                      "REDIS_URL",
		"storage.backend":                "JOB_STORAGE",
		"storage.firestore_project_id":   "FIRESTORE_PROJECT_ID",
		"storage.firestore_collection":   "FIRESTORE_COLLECTION",
		"storage.sql_driver":             "SQL_DRIVER",
		"storage.sql_dsn":                "SQL_DSN",
		"storage.cleanup_max_age_hours":  "CLEANUP_MAX_AGE_HOURS",
		"storage.cleanup_interval":       "CLEANUP_INTERVAL",
		"storage.stale_after":            "JOB_STALE_AFTER",
		"worker.mode":                    "WORKER_MODE",
		"worker.concurrency":             "WORKER_CONCURRENCY",
		"jwt.secret":                     "JWT_SECRET",
		"jwt.expiration":                 "JWT_EXPIRATION",
		"zitadel.domain":                 "ZITADEL_DOMAIN",
		"zitadel.client_id":              "ZITADEL_CLIENT_ID",
		"zitadel.issuer":                 "ZITADEL_ISSUER",
		"gateway.enabled":                "GATEWAY_ENABLED",
		"ratelimit.submit_per_hour":      "RATELIMIT_SUBMIT_PER_HOUR",
		"openai.api_key":                 "OPENAI_API_KEY",
		"openai.base_url":                "OPENAI_BASE_URL",
		"openai.model":                   "OPENAI_MODEL",
		"openai.roast_model":             "OPENAI_ROAST_MODEL",
		"openai.transcribe_model":        "OPENAI_TRANSCRIBE_MODEL",
		"elevenlabs.api_key":             "ELEVENLABS_API_KEY",
		"elevenlabs.base_url":            "ELEVENLABS_BASE_URL",
		"elevenlabs.model_id":            "ELEVENLABS_MODEL_ID",
		"heygen.api_key":                 "HEYGEN_API_KEY",
		"heygen.base_url":                "HEYGEN_BASE_URL",
		"heygen.default_avatar_id":       "DEFAULT_HEYGEN_AVATAR_ID",
		"heygen.default_voice_id":        "DEFAULT_HEYGEN_VOICE_ID",
		"heygen.poll_interval":           "HEYGEN_POLL_INTERVAL",
		"heygen.max_wait":                "HEYGEN_MAX_WAIT",
		"artifacts.backend":              "ARTIFACT_STORAGE",
		"artifacts.key_prefix":           "ARTIFACT_KEY_PREFIX",
		"artifacts.s3.bucket":            "S3_BUCKET_NAME",
		"artifacts.s3.region":            "AWS_REGION",
		"artifacts.s3.endpoint":          "S3_ENDPOINT",
		"artifacts.s3.access_key_id":     "AWS_ACCESS_KEY_ID",
		"artifacts.s3.secret_access_key": "AWS_SECRET_ACCESS_KEY",
		"artifacts.s3.public_url":        "S3_PUBLIC_URL",
		"artifacts.nats.url":             "NATS_URL",
		"artifacts.nats.bucket":          "NATS_BUCKET",
		"artifacts.nats.public_url":      "NATS_PUBLIC_URL",
		"personas.file":                  "PERSONAS_FILE",
		"personas.base_dir":              "PERSONAS_BASE_DIR",
		"personas.default_id":            "DEFAULT_PERSONA_ID",
		"files.upload_dir":               "UPLOAD_DIR",
		"files.output_dir":               "OUTPUT_DIR",
		"files.max_upload_mb":            "MAX_UPLOAD_MB",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "text")
	v.SetDefault("server.workers", 1)
	v.SetDefault("redis.url", "")

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.firestore_collection", "jobs")
	v.SetDefault("storage.sql_driver", "sqlite")
	v.SetDefault("storage.sql_dsn", "jobs.db")
	v.SetDefault("storage.cleanup_max_age_hours", 24)
	v.SetDefault("storage.cleanup_interval", time.Hour)
	v.SetDefault("storage.stale_after", time.Hour)

	v.SetDefault("worker.mode", "inline")
	v.SetDefault("worker.concurrency", 4)

	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.expiration", 24)
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("ratelimit.submit_per_hour", 20)

	// OpenAI defaults
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4o")
	v.SetDefault("openai.roast_model", "gpt-4o-mini")
	v.SetDefault("openai.transcribe_model", "whisper-1")
	v.SetDefault("openai.max_tokens", 800)
	v.SetDefault("openai.temperature", 0.8)
	v.SetDefault("openai.timeout", 60*time.Second)

	// ElevenLabs defaults
	v.SetDefault("elevenlabs.base_url", "https://api.elevenlabs.io/v1")
	v.SetDefault("elevenlabs.model_id", "eleven_multilingual_v2")
	v.SetDefault("elevenlabs.output_format", "mp3_44100_128")
	v.SetDefault("elevenlabs.stability", 0.75)
	v.SetDefault("elevenlabs.similarity_boost", 0.75)
	v.SetDefault("elevenlabs.style", 0.8)
	v.SetDefault("elevenlabs.speaker_boost", true)
	v.SetDefault("elevenlabs.timeout", 120*time.Second)

	// HeyGen defaults
	v.SetDefault("heygen.base_url", "https://api.heygen.com")
	v.SetDefault("heygen.default_avatar_id", "129fa3d48fad41e4975c4e9471d953fb")
	v.SetDefault("heygen.default_voice_id", "cb8c232f08a9466c870ad2c037fcf77a")
	v.SetDefault("heygen.poll_interval", 10*time.Second)
	v.SetDefault("heygen.max_wait", 600*time.Second)
	v.SetDefault("heygen.timeout", 120*time.Second)

	// Artifact storage defaults
	v.SetDefault("artifacts.backend", "none")
	v.SetDefault("artifacts.key_prefix", "hottakes")
	v.SetDefault("artifacts.s3.region", "us-east-1")
	v.SetDefault("artifacts.nats.url", "nats://localhost:4222")
	v.SetDefault("artifacts.nats.bucket", "hottake-artifacts")

	v.SetDefault("personas.file", "personas/personas.json")
	v.SetDefault("personas.base_dir", ".")
	v.SetDefault("personas.default_id", "chad_goldstein")

	v.SetDefault("files.upload_dir", "uploads")
	v.SetDefault("files.output_dir", "output")
	v.SetDefault("files.max_upload_mb", 200)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  v.GetString("server.log_level"),
			LogFormat: v.GetString("server.log_format"),
			ApiDomain: v.GetString("server.api_domain"),
			Workers:   v.GetInt("server.workers"),
		},
		Redis: RedisConfig{
			URL: v.GetString("redis.url"),
		},
		Storage: StorageConfig{
			Backend:             strings.ToLower(v.GetString("storage.backend")),
			FirestoreProjectID:  v.GetString("storage.firestore_project_id"),
			FirestoreCollection: v.GetString("storage.firestore_collection"),
			SQLDriver:           v.GetString("storage.sql_driver"),
			SQLDSN:              v.GetString("storage.sql_dsn"),
			CleanupMaxAgeHours:  v.GetInt("storage.cleanup_max_age_hours"),
			CleanupInterval:     v.GetDuration("storage.cleanup_interval"),
			StaleAfter:          v.GetDuration("storage.stale_after"),
		},
		Worker: WorkerConfig{
			Mode:        strings.ToLower(v.GetString("worker.mode")),
			Concurrency: v.GetInt("worker.concurrency"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("jwt.secret"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		Zitadel: ZitadelConfig{
			Domain:   v.GetString("zitadel.domain"),
			ClientID: v.GetString("zitadel.client_id"),
			Issuer:   v.GetString("zitadel.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerHour: v.GetInt("ratelimit.submit_per_hour"),
		},
		OpenAI: OpenAIConfig{
			APIKey:          v.GetString("openai.api_key"),
			BaseURL:         v.GetString("openai.base_url"),
			Model:           v.GetString("openai.model"),
			RoastModel:      v.GetString("openai.roast_model"),
			TranscribeModel: v.GetString("openai.transcribe_model"),
			MaxTokens:       v.GetInt("openai.max_tokens"),
			Temperature:     v.GetFloat64("openai.temperature"),
			Timeout:         v.GetDuration("openai.timeout"),
		},
		ElevenLabs: ElevenLabsConfig{
			APIKey:          v.GetString("elevenlabs.api_key"),
			BaseURL:         v.GetString("elevenlabs.base_url"),
			ModelID:         v.GetString("elevenlabs.model_id"),
			OutputFormat:    v.GetString("elevenlabs.output_format"),
			Stability:       v.GetFloat64("elevenlabs.stability"),
			SimilarityBoost: v.GetFloat64("elevenlabs.similarity_boost"),
			Style:           v.GetFloat64("elevenlabs.style"),
			SpeakerBoost:    v.GetBool("elevenlabs.speaker_boost"),
			Timeout:         v.GetDuration("elevenlabs.timeout"),
		},
		HeyGen: HeyGenConfig{
			APIKey:          v.GetString("heygen.api_key"),
			BaseURL:         v.GetString("heygen.base_url"),
			DefaultAvatarID: v.GetString("heygen.default_avatar_id"),
			DefaultVoiceID:  v.GetString("heygen.default_voice_id"),
			PollInterval:    v.GetDuration("heygen.poll_interval"),
			MaxWait:         v.GetDuration("heygen.max_wait"),
			Timeout:         v.GetDuration("heygen.timeout"),
		},
		Artifacts: ArtifactsConfig{
			Backend:   strings.ToLower(v.GetString("artifacts.backend")),
			KeyPrefix: v.GetString("artifacts.key_prefix"),
			S3: S3Config{
				Bucket:          v.GetString("artifacts.s3.bucket"),
				Region:          v.GetString("artifacts.s3.region"),
				Endpoint:        v.GetString("artifacts.s3.endpoint"),
				AccessKeyID:     v.GetString("artifacts.s3.access_key_id"),
				SecretAccessKey: v.GetString("artifacts.s3.secret_access_key"),
				PublicURL:       v.GetString("artifacts.s3.public_url"),
			},
			NATS: NATSConfig{
				URL:       v.GetString("artifacts.nats.url"),
				Bucket:    v.GetString("artifacts.nats.bucket"),
				PublicURL: v.GetString("artifacts.nats.public_url"),
			},
		},
		Personas: PersonasConfig{
			File:      v.GetString("personas.file"),
			BaseDir:   v.GetString("personas.base_dir"),
			DefaultID: v.GetString("personas.default_id"),
		},
		Files: FilesConfig{
			UploadDir:     v.GetString("files.upload_dir"),
			OutputDir:     v.GetString("files.output_dir"),
			MaxUploadSize: v.GetInt64("files.max_upload_mb") * 1024 * 1024,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports configuration errors that must stop the process at startup.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case "memory", "in-memory", "redis", "shared-kv", "firestore", "document-db", "sql", "gorm":
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	switch c.Worker.Mode {
	case "inline":
	case "asynq":
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("worker mode asynq requires REDIS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown worker mode %q", c.Worker.Mode))
	}

	switch c.Artifacts.Backend {
	case "none", "s3", "nats":
	default:
		errs = append(errs, fmt.Errorf("unknown artifact backend %q", c.Artifacts.Backend))
	}

	if c.Server.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Server.Workers))
	}

	return errors.Join(errs...)
}
