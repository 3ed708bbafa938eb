// Package config loads server settings from defaults, an optional YAML file,
// a .env file and the environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr           string `yaml:"addr"`
	Port           int    `yaml:"port"`
	TLSKeyFile     string `yaml:"tlsKeyFile"`
	TLSCertFile    string `yaml:"tlsCertFile"`
	MaxMessageSize int64  `yaml:"maxMessageBytes"`
	Debug          bool   `yaml:"debug"`

	Store Store `yaml:"store"`
	Redis Redis `yaml:"redis"`
	Relay string `yaml:"relay"` // local or redis

	S3     S3     `yaml:"s3"`
	Export Export `yaml:"export"`

	JWTSecret string `yaml:"jwtSecret"`
	MDNS      bool   `yaml:"mdns"`
}

type Store struct {
	Backend       string `yaml:"backend"` // memory, redis, mongo, postgres or bolt
	RedisPrefix   string `yaml:"redisPrefix"`
	MongoURI      string `yaml:"mongoURI"`
	MongoDatabase string `yaml:"mongoDatabase"`
	PostgresURL   string `yaml:"postgresURL"`
	BoltPath      string `yaml:"boltPath"`
}

type Redis struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (r Redis) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type S3 struct {
	Endpoint       string `yaml:"endpoint"`
	EndpointDomain string `yaml:"endpointDomain"`
	Region         string `yaml:"region"`
	Key            string `yaml:"key"`
	Secret         string `yaml:"secret"`
	Bucket         string `yaml:"bucket"`
	PathStyle      bool   `yaml:"pathStyle"`
}

func (s S3) Enabled() bool {
	return s.Bucket != ""
}

type Export struct {
	PandocPath string `yaml:"pandocPath"`
	Dir        string `yaml:"dir"`
}

func Default() *Config {
	return &Config{
		Addr:           "0.0.0.0",
		Port:           8080,
		MaxMessageSize: 1e8,
		Store: Store{
			Backend:       "redis",
			MongoDatabase: "quillsync",
			BoltPath:      "quillsync.db",
		},
		Redis: Redis{
			Host: "localhost",
			Port: 6379,
		},
		Relay: "local",
		S3: S3{
			Region: "us-east-1",
		},
		Export: Export{
			PandocPath: "pandoc",
		},
	}
}

// Load builds the configuration. path may be empty. A missing .env file is
// not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

type envVar struct {
	name string
	set  func(string) error
}

func str(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func num[T int | int64](dst *T) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*dst = T(n)
		return nil
	}
}

func boolean(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func (c *Config) applyEnv() error {
	// SSL_CERT_FILE alone is the CA bundle read by crypto/x509 and openssl, so
	// the pair only counts as server files when both are set
	key, cert := os.Getenv("SSL_KEY_FILE"), os.Getenv("SSL_CERT_FILE")
	if key != "" && cert != "" {
		c.TLSKeyFile, c.TLSCertFile = key, cert
	}

	vars := []envVar{
		{"QUILL_SERVER_ADDR", str(&c.Addr)},
		{"QUILL_SERVER_PORT", num(&c.Port)},
		{"QUILL_TLS_KEY_FILE", str(&c.TLSKeyFile)},
		{"QUILL_TLS_CERT_FILE", str(&c.TLSCertFile)},
		{"MAX_MESSAGE_BYTES", num(&c.MaxMessageSize)},
		{"DEBUG", boolean(&c.Debug)},

		{"STORE_BACKEND", str(&c.Store.Backend)},
		{"REDIS_PREFIX", str(&c.Store.RedisPrefix)},
		{"MONGO_URI", str(&c.Store.MongoURI)},
		{"MONGO_DATABASE", str(&c.Store.MongoDatabase)},
		{"DATABASE_URL", str(&c.Store.PostgresURL)},
		{"BOLT_PATH", str(&c.Store.BoltPath)},

		{"REDIS_HOST", str(&c.Redis.Host)},
		{"REDIS_PORT", num(&c.Redis.Port)},
		{"REDIS_PASSWORD", str(&c.Redis.Password)},
		{"REDIS_DB", num(&c.Redis.DB)},
		{"RELAY", str(&c.Relay)},

		{"S3_ENDPOINT", str(&c.S3.Endpoint)},
		{"S3_ENDPOINT_DOMAIN", str(&c.S3.EndpointDomain)},
		{"S3_REGION", str(&c.S3.Region)},
		{"S3_KEY", str(&c.S3.Key)},
		{"S3_SECRET", str(&c.S3.Secret)},
		{"S3_BUCKET", str(&c.S3.Bucket)},
		{"S3_PATH_STYLE", boolean(&c.S3.PathStyle)},

		{"PANDOC_PATH", str(&c.Export.PandocPath)},
		{"EXPORT_DIR", str(&c.Export.Dir)},

		{"AUTH_JWT_SECRET", str(&c.JWTSecret)},
		{"MDNS_ENABLE", boolean(&c.MDNS)},
	}

	for _, v := range vars {
		val, ok := os.LookupEnv(v.name)
		if !ok || val == "" {
			continue
		}
		if err := v.set(val); err != nil {
			return fmt.Errorf("invalid %s=%q: %w", v.name, val, err)
		}
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "redis", "bolt":
	case "mongo":
		if c.Store.MongoURI == "" {
			return errors.New("mongo backend needs MONGO_URI")
		}
	case "postgres":
		if c.Store.PostgresURL == "" {
			return errors.New("postgres backend needs DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.Relay {
	case "local", "redis":
	default:
		return fmt.Errorf("unknown relay %q", c.Relay)
	}

	if (c.TLSKeyFile == "") != (c.TLSCertFile == "") {
		return errors.New("QUILL_TLS_KEY_FILE and QUILL_TLS_CERT_FILE must be set together")
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max message size must be positive, got %d", c.MaxMessageSize)
	}
	if c.S3.Enabled() && c.S3.EndpointDomain == "" {
		return errors.New("S3_BUCKET needs S3_ENDPOINT_DOMAIN for download links")
	}
	return nil
}

// UsesRedis reports whether a redis client is needed.
func (c *Config) UsesRedis() bool {
	return c.Store.Backend == "redis" || c.Relay == "redis"
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Addr, c.Port)
}

// String renders the config with secrets masked, for logging.
func (c *Config) String() string {
	masked := *c
	for _, s := range []*string{&masked.S3.Secret, &masked.Redis.Password, &masked.JWTSecret} {
		if *s != "" {
			*s = "***"
		}
	}
	masked.Store.PostgresURL = maskURL(masked.Store.PostgresURL)
	masked.Store.MongoURI = maskURL(masked.Store.MongoURI)

	out, err := yaml.Marshal(&masked)
	if err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return strings.TrimSpace(string(out))
}

// drops user info from a connection url
func maskURL(u string) string {
	scheme, rest, ok := strings.Cut(u, "://")
	if !ok {
		return u
	}
	if _, host, ok := strings.Cut(rest, "@"); ok {
		return scheme + "://***@" + host
	}
	return u
}
