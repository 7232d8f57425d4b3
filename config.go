package auth

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AUTHCORE_"

// Config is the service configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Token       TokenConfig       `yaml:"token"`
	Lockout     LockoutConfig     `yaml:"lockout"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Audit       AuditConfig       `yaml:"audit"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Identifier  IdentifierConfig  `yaml:"identifier"`
	RolesFile   string            `yaml:"roles_file"`
	SeedFile    string            `yaml:"seed_file"`
	BcryptCost  int               `yaml:"bcrypt_cost"`
	LogLevel    string            `yaml:"log_level"`
}

// ServerConfig holds HTTP settings
type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	PublicPaths []string `yaml:"public_paths"`
}

// DatabaseConfig selects the credential store backend
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig enables the redis revocation store when URL is set
type RedisConfig struct {
	URL string `yaml:"url"`
}

// KeyConfig is one signing key
type KeyConfig struct {
	ID        string `yaml:"id"`
	Algorithm string `yaml:"algorithm"`
	Secret    string `yaml:"secret"`
}

// TokenConfig controls token issuance
type TokenConfig struct {
	Issuer        string        `yaml:"issuer"`
	Audience      []string      `yaml:"audience"`
	ActiveKeyID   string        `yaml:"active_key_id"`
	Keys          []KeyConfig   `yaml:"keys"`
	AccessTTL     time.Duration `yaml:"access_ttl"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl"`
	RotateRefresh bool          `yaml:"rotate_refresh"`
	TokenLookup   string        `yaml:"token_lookup"`
	AuthScheme    string        `yaml:"auth_scheme"`
}

// LockoutConfig mirrors LockoutPolicy
type LockoutConfig struct {
	MaxFailedAttempts int           `yaml:"max_failed_attempts"`
	LockDuration      time.Duration `yaml:"lock_duration"`
}

// MaintenanceConfig sets sweep intervals
type MaintenanceConfig struct {
	PurgeInterval       time.Duration `yaml:"purge_interval"`
	LockReleaseInterval time.Duration `yaml:"lock_release_interval"`
	BatchSize           int           `yaml:"batch_size"`
}

// AuditConfig enables the AMQP activity sink when URL is set
type AuditConfig struct {
	AMQPURL    string `yaml:"amqp_url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// RateLimitConfig throttles login attempts per client address
type RateLimitConfig struct {
	LoginPerMinute float64 `yaml:"login_per_minute"`
	Burst          int     `yaml:"burst"`
}

// IdentifierConfig controls identifier normalization
type IdentifierConfig struct {
	DefaultRegion string `yaml:"default_region"`
}

// DefaultConfig returns a config usable for local development, minus the
// signing key.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:        ":8080",
			PublicPaths: []string{"/auth/login", "/auth/refresh", "/auth/logout", "/healthz", "/metrics", "/static/"},
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "file:authcore.db?cache=shared",
		},
		Token: TokenConfig{
			Issuer:        "authcore",
			ActiveKeyID:   "default",
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			RotateRefresh: true,
			TokenLookup:   "header:Authorization",
			AuthScheme:    "Bearer",
		},
		Lockout: LockoutConfig{
			MaxFailedAttempts: DefaultLockoutPolicy().MaxFailedAttempts,
			LockDuration:      DefaultLockoutPolicy().LockDuration,
		},
		Maintenance: MaintenanceConfig{
			PurgeInterval:       time.Hour,
			LockReleaseInterval: 5 * time.Minute,
			BatchSize:           100,
		},
		Audit: AuditConfig{
			Exchange:   "authcore.audit",
			RoutingKey: "auth.activity",
		},
		RateLimit: RateLimitConfig{
			LoginPerMinute: 30,
			Burst:          10,
		},
		LogLevel: "info",
	}
}

// LoadConfig reads .env (when present), the YAML file at path (when not
// empty), then applies AUTHCORE_* overrides and validates the result.
func LoadConfig(path string, envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load env: %w", err)
	}

	cfg := DefaultConfig()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		defer f.Close()
		if cfg, err = ParseConfig(f); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ParseConfig decodes YAML over DefaultConfig.
func ParseConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
		return nil
	}

	str("HTTP_ADDR", &c.Server.Addr)
	str("DB_DRIVER", &c.Database.Driver)
	str("DB_DSN", &c.Database.DSN)
	str("REDIS_URL", &c.Redis.URL)
	str("AMQP_URL", &c.Audit.AMQPURL)
	str("ISSUER", &c.Token.Issuer)
	str("ROLES_FILE", &c.RolesFile)
	str("SEED_FILE", &c.SeedFile)
	str("LOG_LEVEL", &c.LogLevel)
	str("DEFAULT_REGION", &c.Identifier.DefaultRegion)

	if v, ok := lookup(EnvPrefix + "SIGNING_KEY"); ok && v != "" {
		c.SetSigningSecret(v)
	}

	if err := dur("ACCESS_TTL", &c.Token.AccessTTL); err != nil {
		return err
	}
	if err := dur("REFRESH_TTL", &c.Token.RefreshTTL); err != nil {
		return err
	}
	if err := dur("LOCK_DURATION", &c.Lockout.LockDuration); err != nil {
		return err
	}

	if v, ok := lookup(EnvPrefix + "MAX_FAILED_ATTEMPTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %sMAX_FAILED_ATTEMPTS: %w", EnvPrefix, err)
		}
		c.Lockout.MaxFailedAttempts = n
	}
	if v, ok := lookup(EnvPrefix + "PUBLIC_PATHS"); ok && v != "" {
		c.Server.PublicPaths = splitList(v)
	}
	return nil
}

// SetSigningSecret replaces the secret of the active key, adding the key
// when missing.
func (c *Config) SetSigningSecret(secret string) {
	id := c.Token.ActiveKeyID
	if id == "" {
		id = "default"
		c.Token.ActiveKeyID = id
	}
	for i := range c.Token.Keys {
		if c.Token.Keys[i].ID == id {
			c.Token.Keys[i].Secret = secret
			return
		}
	}
	c.Token.Keys = append(c.Token.Keys, KeyConfig{ID: id, Algorithm: "HS256", Secret: secret})
}

// Validate checks the config.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Server),
		validation.Field(&c.Database),
		validation.Field(&c.Redis),
		validation.Field(&c.Token),
		validation.Field(&c.Lockout),
		validation.Field(&c.Maintenance),
		validation.Field(&c.Audit),
		validation.Field(&c.BcryptCost, validation.Min(0), validation.Max(31)),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error")),
	)
}

// Validate checks the server section.
func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Addr, validation.Required),
	)
}

// Validate checks the database section.
func (d DatabaseConfig) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Driver, validation.Required, validation.In("sqlite", "postgres")),
		validation.Field(&d.DSN, validation.Required),
	)
}

// Validate checks the redis section.
func (r RedisConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.URL, is.RequestURL),
	)
}

// Validate checks keys and lifetimes.
func (t TokenConfig) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.Issuer, validation.Required),
		validation.Field(&t.Keys, validation.Required),
		validation.Field(&t.ActiveKeyID, validation.Required, validation.By(t.activeKeyExists)),
		validation.Field(&t.AccessTTL, validation.Required, validation.Min(time.Second)),
		validation.Field(&t.RefreshTTL, validation.Required, validation.By(t.refreshOutlivesAccess)),
		validation.Field(&t.AuthScheme, validation.Required),
	)
}

func (t TokenConfig) activeKeyExists(value any) error {
	id, _ := value.(string)
	for _, k := range t.Keys {
		if k.ID == id {
			return nil
		}
	}
	return errors.New("must reference a configured key")
}

func (t TokenConfig) refreshOutlivesAccess(value any) error {
	d, _ := value.(time.Duration)
	if d < t.AccessTTL {
		return errors.New("must not be shorter than access_ttl")
	}
	return nil
}

// Validate checks a signing key.
func (k KeyConfig) Validate() error {
	return validation.ValidateStruct(&k,
		validation.Field(&k.ID, validation.Required),
		validation.Field(&k.Algorithm, validation.In("", "HS256", "HS384", "HS512")),
		validation.Field(&k.Secret, validation.Required, validation.Length(32, 0)),
	)
}

// Validate checks the lockout policy.
func (l LockoutConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.MaxFailedAttempts, validation.Required, validation.Min(1)),
		validation.Field(&l.LockDuration, validation.Required, validation.Min(time.Second)),
	)
}

// Validate checks sweep intervals.
func (m MaintenanceConfig) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.PurgeInterval, validation.Required),
		validation.Field(&m.LockReleaseInterval, validation.Required),
		validation.Field(&m.BatchSize, validation.Min(0)),
	)
}

// Validate checks the audit sink.
func (a AuditConfig) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Exchange, validation.By(a.exchangeWhenEnabled)),
	)
}

func (a AuditConfig) exchangeWhenEnabled(value any) error {
	if s, _ := value.(string); a.AMQPURL != "" && s == "" {
		return errors.New("cannot be blank when amqp_url is set")
	}
	return nil
}

// SigningKeys converts the configured keys for NewTokenCodec.
func (t TokenConfig) SigningKeys() []SigningKey {
	keys := make([]SigningKey, 0, len(t.Keys))
	for _, k := range t.Keys {
		keys = append(keys, SigningKey{ID: k.ID, Algorithm: k.Algorithm, Key: []byte(k.Secret)})
	}
	return keys
}

// Policy converts the lockout section.
func (l LockoutConfig) Policy() LockoutPolicy {
	return LockoutPolicy{MaxFailedAttempts: l.MaxFailedAttempts, LockDuration: l.LockDuration}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
