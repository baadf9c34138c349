package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/satindergrewal/netsource/internal/app"
	"github.com/satindergrewal/netsource/internal/audio"
	"github.com/satindergrewal/netsource/internal/device"
	"github.com/satindergrewal/netsource/internal/synth"
)

func devicesCommand(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List audio devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			enum, ok := c.device().(device.Enumerator)
			if !ok {
				return errors.New("backend cannot list devices")
			}
			infos, err := enum.Devices()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(infos)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tDEFAULT\tNAME")
			for _, d := range infos {
				def := ""
				if d.Default {
					def = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Kind, def, d.Name)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func renderCommand(c *cli) *cobra.Command {
	var (
		delay  time.Duration
		output string
	)
	cmd := &cobra.Command{
		Use:   "render <confirm|beep|timestamp|out-of-range|holding|gap>",
		Short: "Render one fallback segment to a WAV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := synth.ParseKind(args[0])
			if err != nil {
				return err
			}
			key := synth.Key{Kind: kind}
			if kind == synth.KindTimestamp {
				key = synth.TimestampKey(delay)
			}

			ctx := cmd.Context()
			format := audio.Format{SampleRate: c.cfg.SampleRate, Channels: c.cfg.Channels}
			gen := app.NewGenerator(c.cfg, app.NewSpeaker(c.cfg.Speech, format))
			if kind == synth.KindHoldingMessage && c.cfg.Holding.File != "" {
				if err := gen.LoadHoldingFile(ctx, c.cfg.Holding.File); err != nil {
					return err
				}
			}
			seg, err := gen.Render(ctx, key)
			if err != nil {
				return err
			}

			f, err := os.Create(output)
			if err != nil {
				return err
			}
			if err := audio.EncodeWAV(f, seg.Samples(), seg.Format()); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s, %.2fs\n", output, key, seg.Duration().Seconds())
			return nil
		},
	}
	cmd.Flags().DurationVar(&delay, "delay", 0, "delay to announce for timestamp segments")
	cmd.Flags().StringVarP(&output, "output", "o", "segment.wav", "output WAV file")
	return cmd
}
