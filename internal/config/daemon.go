package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Engine kinds the daemon can drive.
const (
	EngineLoopback = "loopback"
	EngineBaresip  = "baresip"
)

type DaemonConfig struct {
	Engine string `env:"CALLCTL_ENGINE" envDefault:"loopback"`

	// Baresip ctrl_tcp
	BaresipAddr    string        `env:"BARESIP_ADDR" envDefault:"localhost:4444"`
	BaresipTimeout time.Duration `env:"BARESIP_TIMEOUT" envDefault:"2s"`

	// Accounts applied at startup
	ProxyAddr       string `env:"SIP_PROXY"`
	DefaultAccount  string `env:"DEFAULT_ACCOUNT"`
	DefaultPassword string `env:"DEFAULT_PASSWORD"`

	SubmitDelay  time.Duration `env:"SUBMIT_DELAY" envDefault:"0s"`
	Tombstones   int           `env:"TOMBSTONES" envDefault:"256"`
	TombstoneTTL time.Duration `env:"TOMBSTONE_TTL" envDefault:"5m"`

	// Host surfaces; empty disables
	GrpcAddr string `env:"GRPC_ADDR" envDefault:":50061"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8088"`

	Redis RedisConfig `envPrefix:"REDIS_"`
	Log   LogConfig   `envPrefix:"LOG_"`

	Profile string `env:"CALLCTL_PROFILE"`

	// Loopback only
	AutoAnswer bool `env:"LOOPBACK_AUTO_ANSWER" envDefault:"true"`
}

type RedisConfig struct {
	Enabled  bool   `env:"ENABLED" envDefault:"false"`
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
	Channel  string `env:"CHANNEL" envDefault:"callctl:notifications"`
}

type LogConfig struct {
	Level        string `env:"LEVEL" envDefault:"info"`
	ConsoleLevel string `env:"CONSOLE_LEVEL" envDefault:"info"`
	FileLevel    string `env:"FILE_LEVEL" envDefault:"debug"`
	File         string `env:"FILE"`
	MaxSizeMB    int    `env:"MAX_SIZE_MB" envDefault:"100"`
	MaxBackups   int    `env:"MAX_BACKUPS" envDefault:"3"`
}

// Validate checks values env parsing cannot.
func (c *DaemonConfig) Validate() error {
	switch c.Engine {
	case EngineLoopback, EngineBaresip:
	default:
		return fmt.Errorf("unknown engine %q (want %s or %s)", c.Engine, EngineLoopback, EngineBaresip)
	}
	if c.DefaultAccount != "" && !strings.Contains(c.DefaultAccount, ":") {
		return fmt.Errorf("default account %q must be a URI like sip:user@domain", c.DefaultAccount)
	}
	if c.SubmitDelay < 0 {
		return fmt.Errorf("submit delay must not be negative")
	}
	return nil
}

// ApplyProfile overlays an INI profile:
//
//	[sip]
//	proxy = sip:proxy.example.com;lr
//	[account]
//	id_uri = sip:alice@example.com
//	password = secret
//
// Keys present in the profile win over the environment.
func (c *DaemonConfig) ApplyProfile(path string) error {
	f, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("loading profile %s: %w", path, err)
	}
	if k := f.Section("sip").Key("proxy"); k.String() != "" {
		c.ProxyAddr = k.String()
	}
	acct := f.Section("account")
	if k := acct.Key("id_uri"); k.String() != "" {
		c.DefaultAccount = k.String()
	}
	if k := acct.Key("password"); k.String() != "" {
		c.DefaultPassword = k.String()
	}
	if k := f.Section("engine").Key("kind"); k.String() != "" {
		c.Engine = k.String()
	}
	return nil
}

// LoadDaemon reads the daemon configuration from the environment and the
// optional profile.
func LoadDaemon() (*DaemonConfig, error) {
	cfg, err := New[DaemonConfig]()
	if err != nil {
		return nil, err
	}
	if cfg.Profile != "" {
		if err := cfg.ApplyProfile(cfg.Profile); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
