// Package config loads the service list and runtime settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/JedizLaPulga/knockdoor/internal/checker"
	"github.com/JedizLaPulga/knockdoor/internal/portknock"
	"github.com/JedizLaPulga/knockdoor/internal/probe"
	"github.com/JedizLaPulga/knockdoor/internal/resolve"
)

// ErrNotFound is returned when no config file could be located.
var ErrNotFound = errors.New("config file not found")

// DefaultDelayMS applies to services without delay_in_milliseconds.
const DefaultDelayMS = 300

// Config is the decoded configuration file.
type Config struct {
	Services []Service `mapstructure:"services" yaml:"services"`
	Settings Settings  `mapstructure:"settings" yaml:"settings"`

	Path string `mapstructure:"-" yaml:"-"` // file the config was read from
}

// Service is one record of the services list, as written in the file.
type Service struct {
	Name                  string   `mapstructure:"service_name" yaml:"service_name"`
	TargetAddress         string   `mapstructure:"target_address" yaml:"target_address"`
	PortsToKnock          []string `mapstructure:"ports_to_knock" yaml:"ports_to_knock"`
	TestingAddressAndPort string   `mapstructure:"testing_address_and_port" yaml:"testing_address_and_port"`
	DelayMS               *int     `mapstructure:"delay_in_milliseconds" yaml:"delay_in_milliseconds,omitempty"`
}

// Settings holds the optional tuning block; zero values take defaults.
type Settings struct {
	KnockTimeoutMS int           `mapstructure:"knock_timeout_ms" yaml:"knock_timeout_ms"`
	SettleMS       int           `mapstructure:"settle_ms" yaml:"settle_ms"`
	ProbeLadderMS  []int         `mapstructure:"probe_ladder_ms" yaml:"probe_ladder_ms"`
	ProbePauseMS   int           `mapstructure:"probe_pause_ms" yaml:"probe_pause_ms"`
	CheckTimeoutMS int           `mapstructure:"check_timeout_ms" yaml:"check_timeout_ms"`
	WatchInterval  time.Duration `mapstructure:"watch_interval" yaml:"watch_interval"`
	AddressFamily  string        `mapstructure:"address_family" yaml:"address_family"`
	Nameserver     string        `mapstructure:"nameserver" yaml:"nameserver,omitempty"`
	LogDir         string        `mapstructure:"log_dir" yaml:"log_dir,omitempty"`
	LogLevel       string        `mapstructure:"log_level" yaml:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("settings.knock_timeout_ms", 200)
	v.SetDefault("settings.settle_ms", 500)
	v.SetDefault("settings.probe_ladder_ms", []int{500, 1000, 2000, 5000})
	v.SetDefault("settings.probe_pause_ms", 200)
	v.SetDefault("settings.check_timeout_ms", 2000)
	v.SetDefault("settings.watch_interval", "5m")
	v.SetDefault("settings.address_family", string(resolve.Any))
	v.SetDefault("settings.nameserver", "")
	v.SetDefault("settings.log_dir", "")
	v.SetDefault("settings.log_level", "info")
}

// DefaultDir returns the per-user directory searched for conf.json.
func DefaultDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "knockdoor")
}

// EnvPath names the variable consulted when no path is given.
const EnvPath = "KNOCKDOOR_CONFIG"

// Load reads the config from path. An empty path falls back to
// $KNOCKDOOR_CONFIG, then conf.* in the working directory, then DefaultDir.
// KNOCKDOOR_* environment variables override settings, e.g.
// KNOCKDOOR_SETTINGS_LOG_LEVEL=debug.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvPath)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("KNOCKDOOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("conf")
		v.AddConfigPath(".")
		v.AddConfigPath(DefaultDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if errors.As(err, &nf) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()
	return cfg, nil
}

// SearchPaths lists the places Load looks when no path is given.
func SearchPaths() []string {
	paths := []string{}
	if p := os.Getenv(EnvPath); p != "" {
		paths = append(paths, p)
	}
	return append(paths, filepath.Join(".", "conf.json"), filepath.Join(DefaultDir(), "conf.json"))
}

// Names returns service names in configuration order.
func (c *Config) Names() []string {
	names := make([]string, len(c.Services))
	for i, s := range c.Services {
		names[i] = s.Name
	}
	return names
}

// Specs converts every valid service record. Invalid records are left
// out and described in the returned Issues.
func (c *Config) Specs() ([]checker.ServiceSpec, error) {
	issues := c.Validate()
	bad := make(map[int]bool)
	for _, is := range issues.Errors() {
		if is.index >= 0 {
			bad[is.index] = true
		}
	}

	specs := make([]checker.ServiceSpec, 0, len(c.Services))
	for i, s := range c.Services {
		if bad[i] {
			continue
		}
		delay := DefaultDelayMS
		if s.DelayMS != nil {
			delay = *s.DelayMS
		}
		specs = append(specs, checker.ServiceSpec{
			Name:          s.Name,
			TargetAddress: s.TargetAddress,
			PortsToKnock:  append([]string(nil), s.PortsToKnock...),
			TestAddress:   s.TestingAddressAndPort,
			Delay:         time.Duration(delay) * time.Millisecond,
		})
	}

	if errs := issues.Errors(); len(errs) > 0 {
		return specs, errs
	}
	return specs, nil
}

// Lookup returns the service spec named name.
func (c *Config) Lookup(name string) (checker.ServiceSpec, bool) {
	specs, _ := c.Specs()
	for _, s := range specs {
		if s.Name == name {
			return s, true
		}
	}
	return checker.ServiceSpec{}, false
}

// CheckerOptions maps settings onto checker options.
func (c *Config) CheckerOptions() checker.Options {
	s := c.Settings
	opts := checker.DefaultOptions()
	if s.KnockTimeoutMS > 0 {
		opts.KnockTimeout = ms(s.KnockTimeoutMS)
	}
	if s.SettleMS >= 0 {
		opts.Settle = ms(s.SettleMS)
	}
	if len(s.ProbeLadderMS) > 0 {
		opts.Ladder = make([]time.Duration, 0, len(s.ProbeLadderMS))
		for _, v := range s.ProbeLadderMS {
			if v > 0 {
				opts.Ladder = append(opts.Ladder, ms(v))
			}
		}
	}
	if s.CheckTimeoutMS > 0 {
		opts.CheckTimeout = ms(s.CheckTimeoutMS)
	}
	return opts
}

// ProbeOptions maps settings onto probe options.
func (c *Config) ProbeOptions() probe.Options {
	opts := probe.Options{Pause: probe.DefaultPause}
	if c.Settings.ProbePauseMS > 0 {
		opts.Pause = ms(c.Settings.ProbePauseMS)
	}
	return opts
}

// ResolverOptions maps settings onto resolver options.
func (c *Config) ResolverOptions() resolve.Options {
	opts := resolve.DefaultOptions()
	if c.Settings.AddressFamily != "" {
		opts.Family = resolve.Family(c.Settings.AddressFamily)
	}
	opts.Nameserver = c.Settings.Nameserver
	return opts
}

// WatchInterval returns the configured re-check period.
func (c *Config) WatchInterval() time.Duration {
	if c.Settings.WatchInterval <= 0 {
		return checker.DefaultWatchInterval
	}
	return c.Settings.WatchInterval
}

// LogDir returns the log directory, defaulting to log/ beside the config
// file.
func (c *Config) LogDir() string {
	if c.Settings.LogDir != "" {
		return c.Settings.LogDir
	}
	if c.Path == "" {
		return "log"
	}
	return filepath.Join(filepath.Dir(c.Path), "log")
}

// YAML renders the effective config.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// Issue is a single validation finding.
type Issue struct {
	Service string
	Field   string
	Message string
	Warning bool

	index int // position in Services, -1 for settings
}

func (i Issue) Error() string {
	if i.Service == "" {
		return fmt.Sprintf("%s: %s", i.Field, i.Message)
	}
	return fmt.Sprintf("%s: %s: %s", i.Service, i.Field, i.Message)
}

// Issues is a list of validation findings.
type Issues []Issue

func (is Issues) Error() string {
	msgs := make([]string, len(is))
	for i, v := range is {
		msgs[i] = v.Error()
	}
	return strings.Join(msgs, "; ")
}

// Errors returns the findings that are not warnings.
func (is Issues) Errors() Issues {
	var out Issues
	for _, v := range is {
		if !v.Warning {
			out = append(out, v)
		}
	}
	return out
}

// Validate checks every service and the settings block. Malformed port
// tokens are warnings because knocking skips them.
func (c *Config) Validate() Issues {
	var issues Issues
	seen := make(map[string]bool)

	for i, s := range c.Services {
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("services[%d]", i)
		}
		add := func(field, msg string, warn bool) {
			issues = append(issues, Issue{Service: name, Field: field, Message: msg, Warning: warn, index: i})
		}

		if s.Name == "" {
			add("service_name", "is required", false)
		} else if seen[s.Name] {
			add("service_name", "is duplicated", false)
		}
		seen[s.Name] = true

		if strings.TrimSpace(s.TargetAddress) == "" {
			add("target_address", "is required", false)
		}

		if len(s.PortsToKnock) == 0 {
			add("ports_to_knock", "needs at least one port", false)
		} else {
			specs, errs := portknock.ParseSequence(s.PortsToKnock, portknock.TCP)
			for _, err := range errs {
				add("ports_to_knock", err.Error(), true)
			}
			if len(specs) == 0 {
				add("ports_to_knock", "no entry is a valid port", false)
			}
		}

		if _, err := probe.ParseTarget(s.TestingAddressAndPort); err != nil {
			add("testing_address_and_port", err.Error(), false)
		}

		if s.DelayMS != nil && *s.DelayMS < 0 {
			add("delay_in_milliseconds", "must not be negative", false)
		}
	}

	set := func(field, msg string) {
		issues = append(issues, Issue{Field: "settings." + field, Message: msg, index: -1})
	}
	for _, v := range c.Settings.ProbeLadderMS {
		if v <= 0 {
			set("probe_ladder_ms", "timeouts must be positive")
			break
		}
	}
	switch resolve.Family(c.Settings.AddressFamily) {
	case "", resolve.Any, resolve.IPv4, resolve.IPv6:
	default:
		set("address_family", fmt.Sprintf("unknown family %q (use any, ip4 or ip6)", c.Settings.AddressFamily))
	}
	if c.Settings.SettleMS < 0 {
		set("settle_ms", "must not be negative")
	}

	return issues
}
