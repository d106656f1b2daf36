package main

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the resolved client configuration.
// Precedence: defaults < config file < SONOBUS_* env vars < flags.
type Config struct {
	Server struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Password string `mapstructure:"password"`
	} `mapstructure:"server"`

	Group struct {
		Name     string `mapstructure:"name"`
		Password string `mapstructure:"password"`
	} `mapstructure:"group"`

	User struct {
		Name     string `mapstructure:"name"`
		Password string `mapstructure:"password"`
	} `mapstructure:"user"`

	Listen      string `mapstructure:"listen"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`
	EventMode   string `mapstructure:"event_mode"`
	Relay       bool   `mapstructure:"relay"`

	Message         string        `mapstructure:"message"`
	MessageInterval time.Duration `mapstructure:"message_interval"`
	SendInterval    time.Duration `mapstructure:"send_interval"`
}

var defaults = map[string]any{
	"server.host":      "127.0.0.1",
	"server.port":      10998,
	"server.password":  "",
	"group.name":       "",
	"group.password":   "",
	"user.name":        "",
	"user.password":    "",
	"listen":           "0.0.0.0:0",
	"metrics_addr":     "",
	"log_level":        "info",
	"event_mode":       "immediate",
	"relay":            true,
	"message":          "hello",
	"message_interval": 10 * time.Second,
	"send_interval":    5 * time.Millisecond,
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("sonobus-client", pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file")
	fs.String("server.host", "127.0.0.1", "rendezvous server host")
	fs.Int("server.port", 10998, "rendezvous server port")
	fs.String("server.password", "", "server password")
	fs.String("group.name", "", "group to join")
	fs.String("group.password", "", "group password")
	fs.String("user.name", "", "user name within the group")
	fs.String("user.password", "", "user password")
	fs.String("listen", "0.0.0.0:0", "local UDP address")
	fs.String("metrics_addr", "", "serve Prometheus metrics on this address")
	fs.String("log_level", "info", "log level (debug, info, warn, error)")
	fs.String("event_mode", "immediate", "event delivery: immediate or poll")
	fs.Bool("relay", true, "relay through the server when peers are unreachable")
	fs.String("message", "hello", "text sent periodically to the group")
	fs.Duration("message_interval", 10*time.Second, "interval between group messages, 0 disables them")
	fs.Duration("send_interval", 5*time.Millisecond, "interval of the send loop")
	return fs
}

// Load resolves the configuration from args, the environment and an
// optional config file.
func Load(args []string) (Config, error) {
	var cfg Config

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("SONOBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.BindPFlags(fs); err != nil {
		return cfg, fmt.Errorf("bind flags: %w", err)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch {
	case c.Server.Host == "":
		return fmt.Errorf("server.host is required")
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case c.Group.Name == "":
		return fmt.Errorf("group.name is required")
	case c.User.Name == "":
		return fmt.Errorf("user.name is required")
	case c.EventMode != "immediate" && c.EventMode != "poll":
		return fmt.Errorf("event_mode must be immediate or poll, got %q", c.EventMode)
	case c.SendInterval <= 0:
		return fmt.Errorf("send_interval must be positive")
	case c.MessageInterval < 0:
		return fmt.Errorf("message_interval must not be negative")
	}
	if _, err := netip.ParseAddrPort(c.Listen); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c *Config) listenAddr() netip.AddrPort {
	addr, _ := netip.ParseAddrPort(c.Listen)
	return addr
}

func (c *Config) logLevel() logrus.Level {
	level, _ := logrus.ParseLevel(c.LogLevel)
	return level
}
