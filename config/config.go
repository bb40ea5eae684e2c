// Package config loads server configuration. Sources are layered, each
// overriding the previous: built-in defaults, a YAML file, FILEDROP_*
// environment variables, and finally command-line flags that were set
// explicitly.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "FILEDROP_"

const (
	BackendS3     = "s3"
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

var (
	ErrUnknownBackend = errors.New("storage.backend must be one of s3, bolt, memory")
	ErrMissingBucket  = errors.New("storage.s3.bucket is required for the s3 backend")
	ErrMissingBolt    = errors.New("storage.bolt_path is required for the bolt backend")
	ErrDecay          = errors.New("default_decay_days must be between 0 and 100000")
	ErrMaxUpload      = errors.New("max_upload_mb must be positive")
	ErrTLSPair        = errors.New("tls_cert and tls_key must be set together")
	ErrSessionSecret  = errors.New("session_secret must be empty or at least 32 bytes")
	ErrLogLevel       = errors.New("log.level must be debug, info, warn or error")
	ErrLogFormat      = errors.New("log.format must be text or json")
	ErrPublicURL      = errors.New("public_url must be an absolute http(s) URL")
	ErrTrustedProxy   = errors.New("trusted_proxies entries must be IPs or CIDRs")
)

type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

type StorageConfig struct {
	Backend  string   `yaml:"backend"`
	BoltPath string   `yaml:"bolt_path"`
	S3       S3Config `yaml:"s3"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full server configuration.
type Config struct {
	Listen         string   `yaml:"listen"`
	TLSCert        string   `yaml:"tls_cert"`
	TLSKey         string   `yaml:"tls_key"`
	PublicURL      string   `yaml:"public_url"`
	TrustedProxies []string `yaml:"trusted_proxies"`
	// SessionSecret signs session tokens. When empty a random secret is
	// generated at startup and sessions do not survive a restart.
	SessionSecret    string        `yaml:"session_secret"`
	DefaultDecayDays float64       `yaml:"default_decay_days"`
	MaxUploadMB      int64         `yaml:"max_upload_mb"`
	Storage          StorageConfig `yaml:"storage"`
	Log              LogConfig     `yaml:"log"`
}

func Defaults() Config {
	return Config{
		Listen:           ":8080",
		DefaultDecayDays: 365,
		MaxUploadMB:      512,
		Storage: StorageConfig{
			Backend:  BackendBolt,
			BoltPath: "./data/filedrop.db",
			S3: S3Config{
				Region:       "us-east-1",
				Bucket:       "filedrop",
				UsePathStyle: true,
			},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// field binds one setting to its flag and environment names.
type field struct {
	flag  string
	env   string
	usage string
	set   func(c *Config, v string) error
	// kind selects the pflag type: string, bool, float or int.
	kind string
}

func setString(p func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*p(c) = v
		return nil
	}
}

func setBool(p func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*p(c) = b
		return nil
	}
}

var fields = []field{
	{"listen", "LISTEN", "Address to listen on", setString(func(c *Config) *string { return &c.Listen }), "string"},
	{"tls-cert", "TLS_CERT", "Path to TLS certificate file", setString(func(c *Config) *string { return &c.TLSCert }), "string"},
	{"tls-key", "TLS_KEY", "Path to TLS key file", setString(func(c *Config) *string { return &c.TLSKey }), "string"},
	{"public-url", "PUBLIC_URL", "Origin used in generated download links", setString(func(c *Config) *string { return &c.PublicURL }), "string"},
	{"trusted-proxies", "TRUSTED_PROXIES", "Comma-separated proxy IPs/CIDRs whose X-Forwarded-For is honored", func(c *Config, v string) error {
		c.TrustedProxies = splitList(v)
		return nil
	}, "string"},
	{"session-secret", "SESSION_SECRET", "Secret used to sign session tokens", setString(func(c *Config) *string { return &c.SessionSecret }), "string"},
	{"default-decay-days", "DEFAULT_DECAY_DAYS", "Expiry window for uploads that do not choose one", func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.DefaultDecayDays = f
		return nil
	}, "float"},
	{"max-upload-mb", "MAX_UPLOAD_MB", "Maximum upload size in MiB", func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		c.MaxUploadMB = n
		return nil
	}, "int"},
	{"storage-backend", "STORAGE_BACKEND", "Blob store backend: s3, bolt or memory", setString(func(c *Config) *string { return &c.Storage.Backend }), "string"},
	{"bolt-path", "BOLT_PATH", "Database file for the bolt backend", setString(func(c *Config) *string { return &c.Storage.BoltPath }), "string"},
	{"s3-endpoint", "S3_ENDPOINT", "S3-compatible endpoint URL", setString(func(c *Config) *string { return &c.Storage.S3.Endpoint }), "string"},
	{"s3-region", "S3_REGION", "S3 region", setString(func(c *Config) *string { return &c.Storage.S3.Region }), "string"},
	{"s3-bucket", "S3_BUCKET", "S3 bucket", setString(func(c *Config) *string { return &c.Storage.S3.Bucket }), "string"},
	{"s3-access-key-id", "S3_ACCESS_KEY_ID", "S3 access key ID", setString(func(c *Config) *string { return &c.Storage.S3.AccessKeyID }), "string"},
	{"s3-secret-access-key", "S3_SECRET_ACCESS_KEY", "S3 secret access key", setString(func(c *Config) *string { return &c.Storage.S3.SecretAccessKey }), "string"},
	{"s3-path-style", "S3_PATH_STYLE", "Use path-style bucket addressing", setBool(func(c *Config) *bool { return &c.Storage.S3.UsePathStyle }), "bool"},
	{"log-level", "LOG_LEVEL", "Log level: debug, info, warn, error", setString(func(c *Config) *string { return &c.Log.Level }), "string"},
	{"log-format", "LOG_FORMAT", "Log format: text or json", setString(func(c *Config) *string { return &c.Log.Format }), "string"},
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Load returns Defaults overlaid with the YAML file at path (if non-empty)
// and then with environment variables found by lookupEnv. A nil lookupEnv
// uses os.LookupEnv.
func Load(path string, lookupEnv func(string) (string, bool)) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	for _, f := range fields {
		v, ok := lookupEnv(EnvPrefix + f.env)
		if !ok {
			continue
		}
		if err := f.set(&cfg, v); err != nil {
			return Config{}, fmt.Errorf("%s%s: %w", EnvPrefix, f.env, err)
		}
	}
	return cfg, nil
}

// RegisterFlags defines one flag per setting on fs, with Defaults as the
// displayed defaults.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Defaults()
	defaults := map[string]string{
		"listen":             d.Listen,
		"default-decay-days": strconv.FormatFloat(d.DefaultDecayDays, 'g', -1, 64),
		"max-upload-mb":      strconv.FormatInt(d.MaxUploadMB, 10),
		"storage-backend":    d.Storage.Backend,
		"bolt-path":          d.Storage.BoltPath,
		"s3-region":          d.Storage.S3.Region,
		"s3-bucket":          d.Storage.S3.Bucket,
		"log-level":          d.Log.Level,
		"log-format":         d.Log.Format,
	}
	for _, f := range fields {
		switch f.kind {
		case "bool":
			fs.Bool(f.flag, d.Storage.S3.UsePathStyle, f.usage)
		case "float":
			fs.Float64(f.flag, d.DefaultDecayDays, f.usage)
		case "int":
			fs.Int64(f.flag, d.MaxUploadMB, f.usage)
		default:
			fs.String(f.flag, defaults[f.flag], f.usage)
		}
	}
}

// ApplyFlags overlays flags that were explicitly set on the command line.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	byFlag := make(map[string]field, len(fields))
	for _, f := range fields {
		byFlag[f.flag] = f
	}
	var errList []error
	fs.Visit(func(pf *pflag.Flag) {
		f, ok := byFlag[pf.Name]
		if !ok {
			return
		}
		if err := f.set(c, pf.Value.String()); err != nil {
			errList = append(errList, fmt.Errorf("--%s: %w", pf.Name, err))
		}
	})
	return errors.Join(errList...)
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errList []error
	switch c.Storage.Backend {
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			errList = append(errList, ErrMissingBucket)
		}
	case BackendBolt:
		if c.Storage.BoltPath == "" {
			errList = append(errList, ErrMissingBolt)
		}
	case BackendMemory:
	default:
		errList = append(errList, ErrUnknownBackend)
	}
	if c.DefaultDecayDays <= 0 || c.DefaultDecayDays > 100000 {
		errList = append(errList, ErrDecay)
	}
	if c.MaxUploadMB <= 0 {
		errList = append(errList, ErrMaxUpload)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errList = append(errList, ErrTLSPair)
	}
	if c.SessionSecret != "" && len(c.SessionSecret) < 32 {
		errList = append(errList, ErrSessionSecret)
	}
	if _, err := c.LogLevel(); err != nil {
		errList = append(errList, ErrLogLevel)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errList = append(errList, ErrLogFormat)
	}
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errList = append(errList, ErrPublicURL)
		}
	}
	for _, p := range c.TrustedProxies {
		if net.ParseIP(p) == nil {
			if _, _, err := net.ParseCIDR(p); err != nil {
				errList = append(errList, fmt.Errorf("%w: %q", ErrTrustedProxy, p))
			}
		}
	}
	return errors.Join(errList...)
}

// LogLevel parses Log.Level.
func (c Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(c.Log.Level))
	return l, err
}

// MaxUploadBytes returns the upload limit in bytes.
func (c Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}
