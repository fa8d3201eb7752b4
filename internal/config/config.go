// Package config loads the serve command's runtime configuration from CLI
// flags and AZSYNC_* environment variables via spf13/viper, grounded on
// dittofs's pkg/config precedence model (flags > env > defaults); this
// service has no config file, since every setting fits comfortably on the
// command line (SPEC_FULL.md §6).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Serve holds everything the serve command needs to bring the process up.
type Serve struct {
	Lock       bool   `mapstructure:"lock"`
	Slotkeeper bool   `mapstructure:"slotkeeper"`
	Name       string `mapstructure:"name"`
	Port       int    `mapstructure:"port"`

	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	StatsInterval    time.Duration `mapstructure:"stats_interval"`

	RedisAddr string `mapstructure:"redis_addr"`

	AdminUser   string `mapstructure:"admin_user"`
	AdminPass   string `mapstructure:"admin_pass"`
	BearerToken string `mapstructure:"bearer_token"`
	SessionKey  string `mapstructure:"session_key"`

	Dev bool `mapstructure:"dev"`
}

// BindServeFlags registers the serve command's flags and binds them into v
// with AZSYNC_* environment variable overrides, CLI flags taking
// precedence. --all is a convenience alias expanded by Load, not stored
// directly.
func BindServeFlags(flags *pflag.FlagSet, v *viper.Viper) {
	flags.Bool("lock", false, "serve the named-lock RPC surface")
	flags.Bool("slotkeeper", false, "serve the slot-keeper RPC surface")
	flags.Bool("all", false, "serve both the lock and slotkeeper surfaces")
	flags.String("name", "default", "slotkeeper instance name, addressed by /rpc/slotkeeper/:name/sync")
	flags.Int("port", 8080, "HTTP listen port")
	flags.Duration("heartbeat-timeout", 30*time.Second, "stream heartbeat timeout")
	flags.Duration("stats-interval", 0, "interval to log a stats snapshot; 0 disables")
	flags.String("redis-addr", "", "optional redis address backing multi-replica replication fan-out")
	flags.String("admin-user", "admin", "basic-auth username guarding /admin/*")
	flags.String("admin-pass", "", "basic-auth password guarding /admin/*; empty disables /admin entirely")
	flags.String("bearer-token", "", "optional bearer token accepted by /admin/* in addition to basic auth")
	flags.String("session-key", "", "session cookie signing key; a random key is generated per-process if empty")
	flags.Bool("dev", false, "enable permissive local CORS and non-secure cookies")

	for _, name := range []string{
		"lock", "slotkeeper", "all", "name", "port", "heartbeat-timeout",
		"stats-interval", "redis-addr", "admin-user", "admin-pass",
		"bearer-token", "session-key", "dev",
	} {
		_ = v.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name))
	}
}

// Load reads the bound values out of v into a Serve, applying the --all
// alias and validating the result.
func Load(v *viper.Viper) (Serve, error) {
	var s Serve
	if err := v.Unmarshal(&s); err != nil {
		return Serve{}, fmt.Errorf("config: %w", err)
	}
	if v.GetBool("all") {
		s.Lock = true
		s.Slotkeeper = true
	}
	if !s.Lock && !s.Slotkeeper {
		return Serve{}, fmt.Errorf("config: at least one of --lock, --slotkeeper, --all is required")
	}
	if s.Name == "" {
		return Serve{}, fmt.Errorf("config: --name must not be empty")
	}
	return s, nil
}

// NewViper constructs a viper instance bound to the AZSYNC_ environment
// prefix, matching the teacher's convention of env-overridable flags.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("azsync")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}
