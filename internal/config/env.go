package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"PersonDetection/internal/entity"
	"PersonDetection/pkg/detector"
	"github.com/go-playground/validator/v10"
)

// AppConfig is the environment-backed configuration of the server.
type AppConfig struct {
	Port string
	Env  string

	Defaults        entity.SessionConfig
	WorkerPoolSize  int `validate:"gt=0"`
	Lookahead       int `validate:"gte=0"`
	SupervisorGrace time.Duration
	MaxUploadFiles  int   `validate:"gt=0"`
	MaxImageSize    int64 `validate:"gt=0"`

	StorageDriver string `validate:"oneof=fs s3"`
	StorageRoot   string
	StoragePrefix string

	DetectorDriver   string
	DetectorWSURL    string
	YoloModelPath    string
	YoloConfigPath   string
	YoloThreshold    float64
	PreviewTimeout   time.Duration

	DBDriver string
	DBDSN    string

	RedisAddress     string
	RedisSnapshotTTL time.Duration
	RabbitMQURL      string
	RabbitMQExchange string
	MQTTBroker       string
	MQTTTopicPrefix  string
	NotifierBuffer   int

	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int
}

func LoadAppConfig(validate *validator.Validate) (AppConfig, error) {
	cfg := AppConfig{
		Port: getEnv("APP_PORT", "3000"),
		Env:  getEnv("APP_ENV", "development"),

		Defaults: entity.SessionConfig{
			FrameRate:       getEnvAsInt("DEFAULT_FPS", 15),
			FrameWidth:      getEnvAsInt("DEFAULT_FRAME_WIDTH", 640),
			FrameHeight:     getEnvAsInt("DEFAULT_FRAME_HEIGHT", 480),
			ImageTimeout:    getEnvAsDuration("DEFAULT_IMAGE_TIMEOUT", 10*time.Second),
			JobTimeout:      getEnvAsDuration("DEFAULT_JOB_TIMEOUT", 5*time.Minute),
			CaptureCount:    getEnvAsInt("DEFAULT_CAPTURE_COUNT", 15),
			CaptureInterval: getEnvAsDuration("DEFAULT_CAPTURE_INTERVAL", 200*time.Millisecond),
			FailurePolicy:   entity.FailurePolicy(getEnv("DETECTION_FAILURE_POLICY", string(entity.PolicyFailFast))),
		},
		WorkerPoolSize:  getEnvAsInt("WORKER_POOL_SIZE", 4),
		Lookahead:       getEnvAsInt("DETECTION_LOOKAHEAD", 2),
		SupervisorGrace: getEnvAsDuration("SUPERVISOR_GRACE", 30*time.Second),
		MaxUploadFiles:  getEnvAsInt("MAX_UPLOAD_FILES", 200),
		MaxImageSize:    int64(getEnvAsInt("MAX_IMAGE_SIZE", 10*1024*1024)),

		StorageDriver: getEnv("STORAGE_DRIVER", "fs"),
		StorageRoot:   getEnv("STORAGE_ROOT", "./storage/sessions"),
		StoragePrefix: getEnv("STORAGE_PREFIX", "sessions"),

		DetectorDriver:   getEnv("DETECTOR_DRIVER", detector.DriverRemote),
		DetectorWSURL:    getEnv("DETECTOR_WS_URL", ""),
		YoloModelPath:    getEnv("YOLO_MODEL_PATH", ""),
		YoloConfigPath:   getEnv("YOLO_CONFIG_PATH", ""),
		YoloThreshold:    getEnvAsFloat("YOLO_THRESHOLD", 0.5),
		PreviewTimeout:   getEnvAsDuration("DETECT_PREVIEW_TIMEOUT", 10*time.Second),

		DBDriver: getEnv("DB_DRIVER", "postgres"),
		DBDSN:    getEnv("DB_DSN", ""),

		RedisAddress:     getEnv("REDIS_ADDRESS", ""),
		RedisSnapshotTTL: getEnvAsDuration("REDIS_SNAPSHOT_TTL", 24*time.Hour),
		RabbitMQURL:      getEnv("RABBITMQ_URL", ""),
		RabbitMQExchange: getEnv("RABBITMQ_EXCHANGE", ""),
		MQTTBroker:       getEnv("MQTT_BROKER", ""),
		MQTTTopicPrefix:  getEnv("MQTT_TOPIC_PREFIX", ""),
		NotifierBuffer:   getEnvAsInt("NOTIFIER_BUFFER", 256),

		RateLimitEnabled: getEnvAsBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPS:     getEnvAsFloat("RATE_LIMIT_RPS", 50),
		RateLimitBurst:   getEnvAsInt("RATE_LIMIT_BURST", 100),
	}

	driver, err := detector.ParseDriver(cfg.DetectorDriver)
	if err != nil {
		return AppConfig{}, err
	}
	cfg.DetectorDriver = driver

	if err := validate.Struct(cfg.Defaults); err != nil {
		return AppConfig{}, fmt.Errorf("invalid processing defaults: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return AppConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	value, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsFloat(key string, fallback float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

// getEnvAsDuration accepts Go durations ("250ms", "5m") and plain numbers,
// which are read as seconds.
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}
