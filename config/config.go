package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type GRPC struct {
	Addr string `yaml:"addr"`
}

type HTTP struct {
	Addr           string   `yaml:"addr"`
	ReadTimeout    string   `yaml:"readTimeout"`    // 15s
	WriteTimeout   string   `yaml:"writeTimeout"`   // 30m, processing holds the response
	IdleTimeout    string   `yaml:"idleTimeout"`    // 60s
	RequestTimeout string   `yaml:"requestTimeout"` // 30s
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

type Logging struct {
	Env       string `yaml:"env"`       // dev|prod
	Service   string `yaml:"service"`   // watch-party
	Version   string `yaml:"version"`   // v0.1.0
	Backend   string `yaml:"backend"`   // std|zap
	Level     string `yaml:"level"`     // debug|info|warn|error
	AddSource bool   `yaml:"addSource"` // false|true
	Debug     bool   `yaml:"debug"`     // false|true
}

type Postgres struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"maxConns"`
	MinConns int32  `yaml:"minConns"`
	Migrate  bool   `yaml:"migrate"`
}

type Storage struct {
	Endpoint       string `yaml:"endpoint"`
	PublicEndpoint string `yaml:"publicEndpoint"`
	PublicBaseURL  string `yaml:"publicBaseURL"`
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"accessKey"`
	SecretKey      string `yaml:"secretKey"`
	MaxUploadBytes int64  `yaml:"maxUploadBytes"`
	UploadExpiry   string `yaml:"uploadExpiry"` // 15m
	EnsureBucket   bool   `yaml:"ensureBucket"`
}

type Transcode struct {
	FFmpegPath     string `yaml:"ffmpegPath"`
	SegmentSeconds int    `yaml:"segmentSeconds"`
	TempDir        string `yaml:"tempDir"`
	Timeout        string `yaml:"timeout"` // 15m
}

// Redis is optional; an empty addr keeps channel fan-out in process.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type Rooms struct {
	MaxParticipants int64  `yaml:"maxParticipants"`
	OnlineWindow    string `yaml:"onlineWindow"` // 60s
	PingEvery       string `yaml:"pingEvery"`    // 15s
}

type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type Config struct {
	HTTP      HTTP      `yaml:"http"`
	GRPC      GRPC      `yaml:"grpc"`
	Logging   Logging   `yaml:"logging"`
	Postgres  Postgres  `yaml:"postgres"`
	Storage   Storage   `yaml:"storage"`
	Transcode Transcode `yaml:"transcode"`
	Redis     Redis     `yaml:"redis"`
	Rooms     Rooms     `yaml:"rooms"`
	RateLimit RateLimit `yaml:"rateLimit"`
}

// LoadConfig reads .env (if any), the YAML file at CONFIG_PATH and then
// lets the environment override secrets and addresses.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/config.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	override(&c.HTTP.Addr, "HTTP_ADDR")
	override(&c.GRPC.Addr, "GRPC_ADDR")
	override(&c.Postgres.DSN, "POSTGRES_DSN")
	override(&c.Storage.Endpoint, "S3_ENDPOINT")
	override(&c.Storage.PublicEndpoint, "S3_PUBLIC_ENDPOINT")
	override(&c.Storage.Bucket, "S3_BUCKET")
	override(&c.Storage.AccessKey, "S3_ACCESS_KEY")
	override(&c.Storage.SecretKey, "S3_SECRET_KEY")
	override(&c.Redis.Addr, "REDIS_ADDR")
	override(&c.Redis.Password, "REDIS_PASSWORD")
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
}

func override(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.GRPC.Addr == "" {
		return errors.New("grpc.addr is required")
	}
	if c.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if c.Storage.Endpoint == "" {
		return errors.New("storage.endpoint is required")
	}
	if c.Storage.Bucket == "" {
		return errors.New("storage.bucket is required")
	}
	// defaults for everything optional
	if c.Logging.Service == "" {
		c.Logging.Service = "watch-party"
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	if c.Logging.Backend == "" {
		c.Logging.Backend = "std"
	}
	if c.Storage.MaxUploadBytes <= 0 {
		c.Storage.MaxUploadBytes = 500 << 20
	}
	if c.Rooms.MaxParticipants <= 0 {
		c.Rooms.MaxParticipants = 10
	}
	if c.RateLimit.RPS <= 0 {
		c.RateLimit.RPS = 5
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 20
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "watch-party"
	}
	return nil
}

func (h HTTP) Timeouts() (read, write, idle, request time.Duration) {
	return parseDurationOr(15*time.Second, h.ReadTimeout),
		parseDurationOr(30*time.Minute, h.WriteTimeout),
		parseDurationOr(60*time.Second, h.IdleTimeout),
		parseDurationOr(30*time.Second, h.RequestTimeout)
}

func (s Storage) Expiry() time.Duration { return parseDurationOr(15*time.Minute, s.UploadExpiry) }

func (t Transcode) ConvertTimeout() time.Duration { return parseDurationOr(15*time.Minute, t.Timeout) }

func (r Rooms) Online() time.Duration { return parseDurationOr(60*time.Second, r.OnlineWindow) }

func (r Rooms) Ping() time.Duration { return parseDurationOr(15*time.Second, r.PingEvery) }

// helper for the duration strings above
func parseDurationOr(def time.Duration, s string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}
