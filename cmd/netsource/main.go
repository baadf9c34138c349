package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/satindergrewal/netsource/internal/app"
	"github.com/satindergrewal/netsource/internal/config"
	"github.com/satindergrewal/netsource/internal/device"
	"github.com/satindergrewal/netsource/internal/logging"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"http-addr":      "http.addr",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"log-file":       "log.file",
	"schedule":       "schedule_file",
	"backend":        "device.backend",
	"input-device":   "device.input",
	"output-device":  "device.output",
	"no-input":       "device.no_input",
	"sink":           "sink.enabled",
	"speech":         "speech.engine",
	"holding-file":   "holding_message.file",
	"holding-text":   "holding_message.text",
	"max-delay":      "max_report_delay",
	"cache-budget":   "cache_budget_bytes",
	"period-frames":  "period_frames",
	"sample-rate":    "sample_rate",
	"sink-protocol":  "sink.protocol",
	"sink-host":      "sink.host",
	"sink-port":      "sink.port",
	"sink-mount":     "sink.mount",
	"sink-password":  "sink.password",
	"sink-codec":     "sink.codec",
	"sink-bitrate":   "sink.bitrate",
	"schedule-horiz": "schedule_horizon",
}

type cli struct {
	v          *viper.Viper
	configPath string
	cfg        config.Config
	closeLog   func() error
}

func rootCommand() *cobra.Command {
	c := &cli{v: config.New()}

	root := &cobra.Command{
		Use:           "netsource",
		Short:         "Scheduled live source with tone and timestamp fallback",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := c.bind(cmd.Flags()); err != nil {
				return err
			}
			return c.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.closeLog != nil {
				return c.closeLog()
			}
			return nil
		},
	}

	d := config.Default()
	pf := root.PersistentFlags()
	pf.StringVarP(&c.configPath, "config", "c", "", "config file (default searches ./netsource.yaml)")
	pf.String("log-level", d.Log.Level, "log level: debug, info, warn, error")
	pf.String("log-format", d.Log.Format, "log format: text or json")
	pf.String("log-file", d.Log.File, "also write logs to this rotating file")
	pf.String("backend", d.Device.Backend, "audio backend, or \"virtual\" for a ticker-paced device")
	pf.Int("sample-rate", d.SampleRate, "sample rate in Hz")
	pf.String("speech", d.Speech.Engine, "speech engine: tone, espeak or http")
	pf.String("holding-file", d.Holding.File, "recorded holding message")
	pf.String("holding-text", d.Holding.Text, "holding message text for the speech engine")
	pf.Duration("max-delay", d.MaxReportDelay, "longest delay that is announced")
	pf.Int64("cache-budget", d.CacheBudgetBytes, "segment cache budget in bytes")

	root.AddCommand(runCommand(c), devicesCommand(c), renderCommand(c), checkCommand(c))
	return root
}

// setup loads the layered config and installs the logger.
func (c *cli) setup() error {
	cfg, err := config.Load(c.v, c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg
	closer, err := logging.Init(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return err
	}
	c.closeLog = closer
	if f := c.v.ConfigFileUsed(); f != "" {
		slog.Debug("config loaded", "file", f)
	}
	return nil
}

// bind attaches the executing command's flags to their config keys. Only
// flags set on the command line override the file and environment.
func (c *cli) bind(flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		if f := flags.Lookup(name); f != nil {
			if err := c.v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("bind --%s: %w", name, err)
			}
		}
	}
	return nil
}

func (c *cli) device() device.Device {
	if c.cfg.Device.Backend == "virtual" {
		return &device.Virtual{}
	}
	return device.NewMalgo(c.cfg.Device.Backend)
}

func runCommand(c *cli) *cobra.Command {
	d := config.Default()
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the station",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			station, err := app.New(c.cfg, app.Options{Device: c.device()})
			if err != nil {
				return err
			}
			slog.Info("netsource starting", "backend", c.cfg.Device.Backend, "http", c.cfg.HTTP.Addr,
				"speech", c.cfg.Speech.Engine, "sink", c.cfg.Sink.Enabled)
			if err := station.Run(ctx); err != nil {
				slog.Error("station stopped", "error", err)
				return err
			}
			slog.Info("station stopped")
			return nil
		},
	}
	f := cmd.Flags()
	f.String("http-addr", d.HTTP.Addr, "operator API and monitor listen address, empty disables")
	f.String("schedule", d.ScheduleFile, "YAML schedule loaded at startup")
	f.Duration("schedule-horiz", d.Horizon, "how far ahead weekly windows are expanded")
	f.String("input-device", d.Device.Input, "capture device name")
	f.String("output-device", d.Device.Output, "playback device name")
	f.Bool("no-input", d.Device.NoInput, "playback only, no live input")
	f.Int("period-frames", d.PeriodFrames, "callback period in frames")
	f.Bool("sink", d.Sink.Enabled, "stream to the configured server")
	f.String("sink-protocol", d.Sink.Protocol, "icecast, icecast-source or shoutcast")
	f.String("sink-host", d.Sink.Host, "streaming server host")
	f.Int("sink-port", d.Sink.Port, "streaming server port")
	f.String("sink-mount", d.Sink.Mount, "mount point")
	f.String("sink-password", d.Sink.Password, "source password")
	f.String("sink-codec", d.Sink.Codec, "opus or mp3")
	f.Int("sink-bitrate", d.Sink.Bitrate, "bitrate in kbit/s")
	return cmd
}

func checkCommand(c *cli) *cobra.Command {
	d := config.Default()
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config and schedule file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.ScheduleFile == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "config ok, no schedule file")
				return nil
			}
			f, err := config.LoadSchedule(c.cfg.ScheduleFile)
			if err != nil {
				return err
			}
			station, err := app.New(c.cfg, app.Options{Device: &device.Virtual{}})
			if err != nil {
				return err
			}
			if err := station.SubmitPlan(f.Events, f.Weekly); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok, %d events, %d weekly windows, %d occurrences\n",
				len(f.Events), len(f.Weekly), len(station.Scheduler().Events()))
			return nil
		},
	}
	cmd.Flags().String("schedule", d.ScheduleFile, "YAML schedule to check")
	return cmd
}
