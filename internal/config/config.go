package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	NetworkEthereum = "ethereum"
	NetworkOptimism = "optimism"
)

type Server struct {
	Host              string  `yaml:"host"`
	Port              int     `yaml:"port"`
	ReadTimeoutMs     int     `yaml:"read_timeout_ms"`
	WriteTimeoutMs    int     `yaml:"write_timeout_ms"`
	ShutdownTimeoutMs int     `yaml:"shutdown_timeout_ms"`
	RateLimitRPS      float64 `yaml:"rate_limit_rps"`
	RateLimitBurst    int     `yaml:"rate_limit_burst"`
}

// Addr is the listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type Endpoint struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type Network struct {
	Primary   Endpoint          `yaml:"primary"`
	Backup    Endpoint          `yaml:"backup"`
	TimeoutMs int               `yaml:"timeout_ms"`
	Contracts map[string]string `yaml:"contracts"` // contract name -> address
}

type Cache struct {
	Backend           string `yaml:"backend"` // memory | redis
	DefaultTTLSeconds int    `yaml:"default_ttl_seconds"`
	// TTLOverrideSeconds replaces every metric TTL when non-zero (CACHE_TIME).
	TTLOverrideSeconds int   `yaml:"ttl_override_seconds"`
	Coalesce           *bool `yaml:"coalesce"`
	CleanupIntervalMs  int   `yaml:"cleanup_interval_ms"`
}

// CoalesceEnabled reports whether concurrent misses on one key share a compute.
func (c Cache) CoalesceEnabled() bool {
	return c.Coalesce == nil || *c.Coalesce
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

type Warehouse struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Name           string `yaml:"name"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	SSLMode        string `yaml:"ssl_mode"`
	MaxOpenConns   int    `yaml:"max_open_conns"`
	MaxIdleConns   int    `yaml:"max_idle_conns"`
	QueryTimeoutMs int    `yaml:"query_timeout_ms"`
}

// Enabled reports whether a warehouse connection was configured.
func (w Warehouse) Enabled() bool {
	return w.Host != ""
}

// DSN renders a lib/pq connection URL.
func (w Warehouse) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(w.User, w.Password),
		Host:   fmt.Sprintf("%s:%d", w.Host, w.Port),
		Path:   "/" + w.Name,
	}
	q := u.Query()
	q.Set("sslmode", w.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

type Health struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type Refresh struct {
	Disabled bool `yaml:"disabled"`
	// IntervalSeconds is derived from the cache TTL when left at zero.
	IntervalSeconds int `yaml:"interval_seconds"`
}

type Log struct {
	Level string `yaml:"level"`
}

type Root struct {
	Server    Server             `yaml:"server"`
	Networks  map[string]Network `yaml:"networks"`
	Cache     Cache              `yaml:"cache"`
	Redis     Redis              `yaml:"redis"`
	Warehouse Warehouse          `yaml:"warehouse"`
	Health    Health             `yaml:"health"`
	Refresh   Refresh            `yaml:"refresh"`
	Log       Log                `yaml:"log"`
}

// RefreshInterval is max(CACHE_TIME-30s, 30s) when a TTL override is set,
// otherwise five minutes.
func (c Root) RefreshInterval() time.Duration {
	if c.Refresh.IntervalSeconds > 0 {
		return time.Duration(c.Refresh.IntervalSeconds) * time.Second
	}
	if c.Cache.TTLOverrideSeconds > 0 {
		d := time.Duration(c.Cache.TTLOverrideSeconds-30) * time.Second
		if d < 30*time.Second {
			d = 30 * time.Second
		}
		return d
	}
	return 5 * time.Minute
}

// env mirrors the variable names the service has always been deployed with.
type env struct {
	APIHost string `env:"API_HOST"`
	APIPort int    `env:"API_PORT"`
	Debug   bool   `env:"DEBUG"`
	Level   string `env:"LOG_LEVEL"`

	CacheTime     int    `env:"CACHE_TIME"`
	CacheBackend  string `env:"CACHE_BACKEND"`
	RedisHost     string `env:"REDIS_HOST"`
	RedisPort     int    `env:"REDIS_PORT"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	PGHost     string `env:"PG_HOST"`
	PGPort     int    `env:"PG_PORT"`
	PGName     string `env:"PG_NAME"`
	PGUser     string `env:"PG_USER"`
	PGPassword string `env:"PG_PASSWORD"`

	MainURL         string `env:"MAIN_PROVIDER_URL"`
	MainUser        string `env:"MAIN_PROVIDER_USER"`
	MainPassword    string `env:"MAIN_PROVIDER_PASSWORD"`
	BackupURL       string `env:"BACKUP_PROVIDER_URL"`
	BackupUser      string `env:"BACKUP_PROVIDER_USER"`
	BackupPassword  string `env:"BACKUP_PROVIDER_PASSWORD"`
	MainOVMURL      string `env:"MAIN_OVM_PROVIDER_URL"`
	MainOVMUser     string `env:"MAIN_OVM_PROVIDER_USER"`
	MainOVMPassword string `env:"MAIN_OVM_PROVIDER_PASSWORD"`
	BackupOVMURL    string `env:"BACKUP_OVM_PROVIDER_URL"`
	BackupOVMUser   string `env:"BACKUP_OVM_PROVIDER_USER"`
	BackupOVMPass   string `env:"BACKUP_OVM_PROVIDER_PASSWORD"`
	HealthPassword  string `env:"HEALTH_ENDPOINT_PASSWORD"`
	RefreshDisabled bool   `env:"REFRESH_DISABLED"`
}

// Load reads path (optional), then .env, then the process environment.
// Later sources win; zero values are replaced by defaults last.
func Load(path string) (Root, error) {
	var c Root
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return c, fmt.Errorf("load .env: %w", err)
	}
	var e env
	if err := envdecode.Decode(&e); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return c, fmt.Errorf("decode environment: %w", err)
	}
	c.applyEnv(e)
	c.applyDefaults()
	return c, nil
}

func setStr(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setEndpoint(dst *Endpoint, url, user, password string) {
	setStr(&dst.URL, url)
	setStr(&dst.User, user)
	setStr(&dst.Password, password)
}

func (c *Root) applyEnv(e env) {
	setStr(&c.Server.Host, e.APIHost)
	setInt(&c.Server.Port, e.APIPort)
	if e.Debug {
		c.Log.Level = "debug"
	} else {
		setStr(&c.Log.Level, e.Level)
	}

	setInt(&c.Cache.TTLOverrideSeconds, e.CacheTime)
	setStr(&c.Cache.Backend, e.CacheBackend)
	setStr(&c.Redis.Host, e.RedisHost)
	setInt(&c.Redis.Port, e.RedisPort)
	setStr(&c.Redis.Password, e.RedisPassword)

	setStr(&c.Warehouse.Host, e.PGHost)
	setInt(&c.Warehouse.Port, e.PGPort)
	setStr(&c.Warehouse.Name, e.PGName)
	setStr(&c.Warehouse.User, e.PGUser)
	setStr(&c.Warehouse.Password, e.PGPassword)

	if c.Networks == nil {
		c.Networks = map[string]Network{}
	}
	eth := c.Networks[NetworkEthereum]
	setEndpoint(&eth.Primary, e.MainURL, e.MainUser, e.MainPassword)
	setEndpoint(&eth.Backup, e.BackupURL, e.BackupUser, e.BackupPassword)
	c.Networks[NetworkEthereum] = eth

	op := c.Networks[NetworkOptimism]
	setEndpoint(&op.Primary, e.MainOVMURL, e.MainOVMUser, e.MainOVMPassword)
	setEndpoint(&op.Backup, e.BackupOVMURL, e.BackupOVMUser, e.BackupOVMPass)
	c.Networks[NetworkOptimism] = op

	setStr(&c.Health.Password, e.HealthPassword)
	if e.RefreshDisabled {
		c.Refresh.Disabled = true
	}
}

// DefaultContracts are the deployed addresses the service reads.
func DefaultContracts() map[string]map[string]string {
	return map[string]map[string]string{
		NetworkEthereum: {
			"Synthetix":             "0xC011a73ee8576Fb46F5E1c5751cA3B9Fe0af2a6F",
			"SynthetixEscrow":       "0x971e78e0C92392A4E39099835cF7E6aB535b2227",
			"RewardEscrow":          "0xb671F2210B1F6621A2607EA63E6B2DC3e2464d1F",
			"RewardEscrowV2":        "0xAc86855865CbF31c8f9FBB68C749AD5Bd72802e3",
			"LiquidatorRewards":     "0xf79603a71144e415730C1A6f57F366E4Ea962C00",
			"SynthetixBridgeEscrow": "0x5Fd79D46EBA7F351fe49BFF9E87cdeA6c821eF9f",
		},
		NetworkOptimism: {
			"Synthetix":         "0x8700dAec35aF8Ff88c16BdF0418774CB3D7599B4",
			"SynthetixEscrow":   "0x06C6D063896ac733673c4474E44d9268f2402A55",
			"RewardEscrowV2":    "0x6330D5F08f51057F36F46d6751eCDc0c65Ef7E9e",
			"LiquidatorRewards": "0xF4EebDD0704021eF2a6Bbe993fdf93030Cd784b4",
		},
	}
}

func (c *Root) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.ReadTimeoutMs == 0 {
		c.Server.ReadTimeoutMs = 10000
	}
	if c.Server.WriteTimeoutMs == 0 {
		c.Server.WriteTimeoutMs = 60000
	}
	if c.Server.ShutdownTimeoutMs == 0 {
		c.Server.ShutdownTimeoutMs = 10000
	}

	for name, addrs := range DefaultContracts() {
		n := c.Networks[name]
		if n.Contracts == nil {
			n.Contracts = map[string]string{}
		}
		for contract, addr := range addrs {
			if _, ok := n.Contracts[contract]; !ok {
				n.Contracts[contract] = addr
			}
		}
		if n.TimeoutMs == 0 {
			n.TimeoutMs = 15000
		}
		c.Networks[name] = n
	}

	if c.Cache.DefaultTTLSeconds == 0 {
		c.Cache.DefaultTTLSeconds = 60
	}
	if c.Cache.CleanupIntervalMs == 0 {
		c.Cache.CleanupIntervalMs = 60000
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
		if c.Redis.Host != "" {
			c.Cache.Backend = "redis"
		}
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Warehouse.Port == 0 {
		c.Warehouse.Port = 5432
	}
	if c.Warehouse.SSLMode == "" {
		c.Warehouse.SSLMode = "disable"
	}
	if c.Warehouse.MaxOpenConns == 0 {
		c.Warehouse.MaxOpenConns = 10
	}
	if c.Warehouse.MaxIdleConns == 0 {
		c.Warehouse.MaxIdleConns = 5
	}
	if c.Warehouse.QueryTimeoutMs == 0 {
		c.Warehouse.QueryTimeoutMs = 30000
	}

	if c.Health.User == "" {
		c.Health.User = "monitor"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks the settings that have no usable default.
func (c Root) Validate() error {
	for _, name := range []string{NetworkEthereum, NetworkOptimism} {
		if c.Networks[name].Primary.URL == "" {
			return fmt.Errorf("network %s: primary provider url is required", name)
		}
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("cache backend %q: want memory or redis", c.Cache.Backend)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %s out of range", strconv.Itoa(c.Server.Port))
	}
	return nil
}
