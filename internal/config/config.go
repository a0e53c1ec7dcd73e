package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Inference backends.
const (
	BackendSubprocess = "subprocess"
	BackendGRPC       = "grpc"
	BackendONNX       = "onnx"
)

// Config is the server configuration read from the environment.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	LogLevel        string
	CORSAllowOrigin string

	Backend              string
	AdapterCommand       string
	AdapterArgs          []string
	ScratchDir           string
	AdapterTimeout       time.Duration
	AdapterMaxConcurrent int64
	AdapterQueueTimeout  time.Duration
	GRPCAddr             string
	ONNXModelPath        string
	ONNXRuntimeLib       string

	DatabaseDSN       string
	RedisAddr         string
	RateLimitRequests int64
	RateLimitWindow   time.Duration

	JWTSecret   string
	JWTAudience string
}

// Load reads the given env files (".env" when none is given) into the
// process environment without overriding variables that are already set,
// then parses the environment. A missing env file is not an error.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
	}
	return FromEnv()
}

// FromEnv parses the process environment. All invalid values are reported
// together.
func FromEnv() (*Config, error) {
	p := &parser{}
	cfg := &Config{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 15*time.Second),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		CORSAllowOrigin: getEnv("CORS_ALLOW_ORIGIN", "*"),

		Backend:              strings.ToLower(getEnv("INFERENCE_BACKEND", BackendSubprocess)),
		AdapterCommand:       getEnv("ADAPTER_COMMAND", "python"),
		AdapterArgs:          strings.Fields(getEnv("ADAPTER_ARGS", "model/predict.py")),
		ScratchDir:           getEnv("SCRATCH_DIR", filepath.Join(os.TempDir(), "glaucoscan")),
		AdapterTimeout:       p.duration("ADAPTER_TIMEOUT", 60*time.Second),
		AdapterMaxConcurrent: p.int64("ADAPTER_MAX_CONCURRENT", 4),
		AdapterQueueTimeout:  p.duration("ADAPTER_QUEUE_TIMEOUT", 10*time.Second),
		GRPCAddr:             getEnv("INFERENCE_GRPC_ADDR", "model-server:50051"),
		ONNXModelPath:        os.Getenv("ONNX_MODEL_PATH"),
		ONNXRuntimeLib:       os.Getenv("ONNX_RUNTIME_LIB"),

		DatabaseDSN:       os.Getenv("DATABASE_DSN"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RateLimitRequests: p.int64("RATE_LIMIT_REQUESTS", 30),
		RateLimitWindow:   p.duration("RATE_LIMIT_WINDOW", time.Minute),

		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTAudience: os.Getenv("JWT_AUDIENCE"),
	}

	if err := errors.Join(append(p.errs, cfg.validate()...)...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() []error {
	var errs []error
	switch c.Backend {
	case BackendSubprocess:
		if c.AdapterCommand == "" {
			errs = append(errs, errors.New("ADAPTER_COMMAND must be set for the subprocess backend"))
		}
	case BackendGRPC:
		if c.GRPCAddr == "" {
			errs = append(errs, errors.New("INFERENCE_GRPC_ADDR must be set for the grpc backend"))
		}
	case BackendONNX:
		if c.ONNXModelPath == "" {
			errs = append(errs, errors.New("ONNX_MODEL_PATH must be set for the onnx backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("INFERENCE_BACKEND %q is not one of subprocess, grpc, onnx", c.Backend))
	}
	if c.AdapterTimeout <= 0 {
		errs = append(errs, errors.New("ADAPTER_TIMEOUT must be positive"))
	}
	if c.AdapterMaxConcurrent < 1 {
		errs = append(errs, errors.New("ADAPTER_MAX_CONCURRENT must be at least 1"))
	}
	if c.AdapterQueueTimeout < 0 {
		errs = append(errs, errors.New("ADAPTER_QUEUE_TIMEOUT must not be negative"))
	}
	if c.RateLimitRequests < 1 {
		errs = append(errs, errors.New("RATE_LIMIT_REQUESTS must be at least 1"))
	}
	if c.RateLimitWindow < time.Second {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW must be at least 1s"))
	}
	return errs
}

type parser struct {
	errs []error
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func (p *parser) int64(key string, fallback int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
