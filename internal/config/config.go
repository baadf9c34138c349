// Package config loads runtime settings. Values are layered with viper:
// built-in defaults, then an optional YAML file, then NETSOURCE_* environment
// variables, then any command-line flags bound by the caller.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. NETSOURCE_SINK_HOST.
const EnvPrefix = "NETSOURCE"

// Config holds all runtime configuration.
type Config struct {
	SampleRate       int           `mapstructure:"sample_rate"`
	Channels         int           `mapstructure:"channels"`
	PeriodFrames     int           `mapstructure:"period_frames"`
	QueueFrames      int           `mapstructure:"queue_frames"`
	CacheBudgetBytes int64         `mapstructure:"cache_budget_bytes"`
	MaxReportDelay   time.Duration `mapstructure:"max_report_delay"`
	FadeIn           time.Duration `mapstructure:"fade_in"`
	FadeOut          time.Duration `mapstructure:"fade_out"`
	ScheduleFile     string        `mapstructure:"schedule_file"`
	Horizon          time.Duration `mapstructure:"schedule_horizon"`

	Holding HoldingConfig `mapstructure:"holding_message"`
	Tone    ToneConfig    `mapstructure:"tone"`
	Device  DeviceConfig  `mapstructure:"device"`
	Speech  SpeechConfig  `mapstructure:"speech"`
	Sink    SinkConfig    `mapstructure:"sink"`
	Backoff BackoffConfig `mapstructure:"backoff"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Log     LogConfig     `mapstructure:"log"`
}

// HoldingConfig selects the holding message: a recorded file, or text for
// the speech engine. Both empty disables it.
type HoldingConfig struct {
	File string `mapstructure:"file"`
	Text string `mapstructure:"text"`
}

// ToneConfig shapes confirmation beeps and the beep-coded timestamp.
type ToneConfig struct {
	Frequency float64       `mapstructure:"frequency"`
	LevelDBFS float64       `mapstructure:"level_dbfs"`
	BeepLong  time.Duration `mapstructure:"beep_long"`
	BeepShort time.Duration `mapstructure:"beep_short"`
}

// DeviceConfig selects the audio interface.
type DeviceConfig struct {
	Backend string `mapstructure:"backend"` // malgo backend name, or "virtual"
	Input   string `mapstructure:"input"`
	Output  string `mapstructure:"output"`
	NoInput bool   `mapstructure:"no_input"`
}

// SpeechConfig selects how spoken segments are rendered.
type SpeechConfig struct {
	Engine string `mapstructure:"engine"` // tone, espeak or http
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
	Binary string `mapstructure:"binary"`
	Voice  string `mapstructure:"voice"`
	Speed  int    `mapstructure:"speed"`
}

// SinkConfig is the streaming server target.
type SinkConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Protocol    string `mapstructure:"protocol"` // icecast, icecast-source or shoutcast
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Mount       string `mapstructure:"mount"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	Codec       string `mapstructure:"codec"`   // opus or mp3
	Bitrate     int    `mapstructure:"bitrate"` // kbit/s
	Name        string `mapstructure:"name"`
	Genre       string `mapstructure:"genre"`
	Description string `mapstructure:"description"`
	URL         string `mapstructure:"url"`
	Public      bool   `mapstructure:"public"`
}

// BackoffConfig shapes sink reconnect delays.
type BackoffConfig struct {
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
	Jitter     float64       `mapstructure:"jitter"`
}

// HTTPConfig is the operator API and monitor listener.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// SetDefaults registers every key with its default. Keys without a default
// are invisible to environment overrides.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("sample_rate", 48000)
	v.SetDefault("channels", 2)
	v.SetDefault("period_frames", 480)
	v.SetDefault("queue_frames", 100)
	v.SetDefault("cache_budget_bytes", 32<<20)
	v.SetDefault("max_report_delay", time.Hour)
	v.SetDefault("fade_in", 3*time.Second)
	v.SetDefault("fade_out", 3*time.Second)
	v.SetDefault("schedule_file", "")
	v.SetDefault("schedule_horizon", 14*24*time.Hour)

	v.SetDefault("holding_message.file", "")
	v.SetDefault("holding_message.text", "")

	v.SetDefault("tone.frequency", 1000.0)
	v.SetDefault("tone.level_dbfs", -12.0)
	v.SetDefault("tone.beep_long", time.Second)
	v.SetDefault("tone.beep_short", 500*time.Millisecond)

	v.SetDefault("device.backend", "auto")
	v.SetDefault("device.input", "")
	v.SetDefault("device.output", "")
	v.SetDefault("device.no_input", false)

	v.SetDefault("speech.engine", "tone")
	v.SetDefault("speech.url", "")
	v.SetDefault("speech.api_key", "")
	v.SetDefault("speech.binary", "espeak-ng")
	v.SetDefault("speech.voice", "en")
	v.SetDefault("speech.speed", 160)

	v.SetDefault("sink.enabled", true)
	v.SetDefault("sink.protocol", "icecast")
	v.SetDefault("sink.host", "localhost")
	v.SetDefault("sink.port", 8000)
	v.SetDefault("sink.mount", "/live")
	v.SetDefault("sink.user", "source")
	v.SetDefault("sink.password", "")
	v.SetDefault("sink.codec", "opus")
	v.SetDefault("sink.bitrate", 128)
	v.SetDefault("sink.name", "netsource")
	v.SetDefault("sink.genre", "")
	v.SetDefault("sink.description", "")
	v.SetDefault("sink.url", "")
	v.SetDefault("sink.public", false)

	v.SetDefault("backoff.initial", time.Second)
	v.SetDefault("backoff.max", time.Minute)
	v.SetDefault("backoff.multiplier", 2.0)
	v.SetDefault("backoff.jitter", 0.2)

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
}

// New returns a viper instance with defaults and environment overrides set
// up. Callers may bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file and decodes v. An explicit path must exist;
// without one the usual locations are searched and a missing file is fine.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("netsource")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/netsource")
		v.AddConfigPath("/etc/netsource")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.SampleRate >= 8000 && c.SampleRate <= 192000, "sample_rate %d out of range", c.SampleRate)
	check(c.Channels >= 1 && c.Channels <= 8, "channels %d out of range", c.Channels)
	check(c.PeriodFrames > 0, "period_frames must be positive")
	check(c.QueueFrames > 0, "queue_frames must be positive")
	check(c.CacheBudgetBytes > 0, "cache_budget_bytes must be positive")
	check(c.MaxReportDelay > 0, "max_report_delay must be positive")
	check(c.FadeIn >= 0 && c.FadeOut >= 0, "fade durations must not be negative")
	check(c.Horizon >= 24*time.Hour, "schedule_horizon must be at least 24h")
	check(c.Tone.Frequency > 0 && c.Tone.Frequency < float64(c.SampleRate)/2,
		"tone.frequency %.0f must be below Nyquist", c.Tone.Frequency)
	check(c.Tone.LevelDBFS <= 0, "tone.level_dbfs must be at most 0")
	check(c.Tone.BeepLong > 0 && c.Tone.BeepShort > 0, "beep lengths must be positive")

	switch c.Speech.Engine {
	case "tone", "espeak":
	case "http":
		check(c.Speech.URL != "", "speech.url is required for the http engine")
	default:
		check(false, "speech.engine %q is not one of tone, espeak, http", c.Speech.Engine)
	}

	if c.Sink.Enabled {
		switch c.Sink.Protocol {
		case "icecast", "icecast-source", "shoutcast":
		default:
			check(false, "sink.protocol %q is not one of icecast, icecast-source, shoutcast", c.Sink.Protocol)
		}
		check(c.Sink.Codec == "opus" || c.Sink.Codec == "mp3", "sink.codec %q is not opus or mp3", c.Sink.Codec)
		check(c.Sink.Host != "", "sink.host is required")
		check(c.Sink.Port > 0 && c.Sink.Port < 65535, "sink.port %d out of range", c.Sink.Port)
		check(c.Sink.Bitrate > 0, "sink.bitrate must be positive")
	}

	check(c.Backoff.Initial > 0 && c.Backoff.Max >= c.Backoff.Initial, "backoff.max must be at least backoff.initial")
	check(c.Backoff.Multiplier >= 1, "backoff.multiplier must be at least 1")
	check(c.Backoff.Jitter >= 0 && c.Backoff.Jitter <= 1, "backoff.jitter must be within 0..1")

	switch c.Log.Format {
	case "text", "json":
	default:
		check(false, "log.format %q is not text or json", c.Log.Format)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
