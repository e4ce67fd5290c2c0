// Package config loads tower settings from an optional tower.{toml,yaml,json}
// file, a .env file and TOWER_* environment variables, in increasing
// precedence.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"towersched/internal/controller"
	"towersched/internal/sleeptimer"
)

const EnvPrefix = "TOWER"

type Config struct {
	Sleep    SleepConfig    `mapstructure:"sleep"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	History  HistoryConfig  `mapstructure:"history"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Log      LogConfig      `mapstructure:"log"`
	API      APIConfig      `mapstructure:"api"`
}

type SleepConfig struct {
	WakeupTime    int    `mapstructure:"wakeup_time" validate:"min=0"`
	ShutdownTime  int    `mapstructure:"shutdown_time" validate:"min=0"`
	ExecuteBuffer int    `mapstructure:"execute_buffer" validate:"min=0,max=3600"`
	Timer         string `mapstructure:"timer" validate:"oneof=software file command"`
	TimerFile     string `mapstructure:"timer_file" validate:"required_if=Timer file"`
	// TimerCommand is split on whitespace; the seconds are appended.
	TimerCommand string `mapstructure:"timer_command" validate:"required_if=Timer command"`
}

type ScheduleConfig struct {
	Templates string `mapstructure:"templates" validate:"required"`
	Active    string `mapstructure:"active" validate:"required"`
}

// HistoryConfig points at the sqlite ledger. An empty path disables it.
type HistoryConfig struct {
	Path string `mapstructure:"path"`
	Keep int    `mapstructure:"keep" validate:"min=0"`
}

type DispatchConfig struct {
	Timeout time.Duration `mapstructure:"timeout" validate:"min=0"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
}

type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("sleep.wakeup_time", 5)
	v.SetDefault("sleep.shutdown_time", 5)
	v.SetDefault("sleep.execute_buffer", 0)
	v.SetDefault("sleep.timer", sleeptimer.KindSoftware)
	v.SetDefault("sleep.timer_file", "")
	v.SetDefault("sleep.timer_command", "")

	v.SetDefault("schedule.templates", "ensembles.json")
	v.SetDefault("schedule.active", "active_ensembles.json")

	v.SetDefault("history.path", "tower_history.db")
	v.SetDefault("history.keep", 10000)

	v.SetDefault("dispatch.timeout", 60*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("api.addr", "")
}

// Load reads configuration. path may be empty, in which case TOWER_CONFIG is
// consulted and then tower.* in the working directory and /etc/tower.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	} else {
		v.SetConfigName("tower")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tower")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "read config")
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return &cfg, nil
}

// Timing is the controller's view of the sleep section.
func (c *Config) Timing() controller.Config {
	return controller.Config{
		WakeOverhead:     c.Sleep.WakeupTime,
		ShutdownOverhead: c.Sleep.ShutdownTime,
		ExecuteBuffer:    c.Sleep.ExecuteBuffer,
	}
}

func (c *Config) Timer() sleeptimer.Config {
	return sleeptimer.Config{
		Kind:    c.Sleep.Timer,
		File:    c.Sleep.TimerFile,
		Command: strings.Fields(c.Sleep.TimerCommand),
	}
}
