package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/impuls42/ats-mini/internal/api"
	"github.com/impuls42/ats-mini/internal/config"
	"github.com/impuls42/ats-mini/internal/gateway"
	"github.com/impuls42/ats-mini/internal/monitor"
	"github.com/impuls42/ats-mini/internal/radio"
	"github.com/impuls42/ats-mini/internal/recorder"
	"github.com/impuls42/ats-mini/internal/rpc"
	"github.com/impuls42/ats-mini/internal/store"
)

func newCallCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "call METHOD [JSON-PARAMS]",
		Short: "Invoke any RPC method and print its result",
		Example: `  atsmini --port /dev/ttyACM0 call volume.set '{"value": 10}'
  atsmini --ws ws://atsmini.local/rpc call settings.get`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}
			return g.session(cmd.Context(), func(_ *rpc.Engine, r *radio.Radio) error {
				res, err := r.Call(cmd.Context(), args[0], params)
				if err != nil {
					return err
				}
				return g.print(res)
			})
		},
	}
}

// parseParams decodes an optional JSON object argument.
func parseParams(args []string) (map[string]any, error) {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(args[0]))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("params must be a JSON object: %w", err)
	}
	params, _ := api.Normalize(raw).(map[string]any)
	return params, nil
}

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the receiver status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.session(cmd.Context(), func(_ *rpc.Engine, r *radio.Radio) error {
				res, err := r.Status(cmd.Context())
				if err != nil {
					return err
				}
				return g.print(res)
			})
		},
	}
}

func newVolumeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "volume [LEVEL]",
		Short: "Print or set the volume",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var level int
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("volume must be an integer: %w", err)
				}
				level = n
			}
			return g.session(cmd.Context(), func(_ *rpc.Engine, r *radio.Radio) error {
				var (
					v   int
					err error
				)
				if len(args) == 1 {
					v, err = r.SetVolume(cmd.Context(), level)
				} else {
					v, err = r.Volume(cmd.Context())
				}
				if err != nil {
					return err
				}
				if g.json {
					return g.print(map[string]any{"volume": v})
				}
				_, err = fmt.Fprintln(g.out, v)
				return err
			})
		},
	}
}

func newMonitorCmd(g *globals) *cobra.Command {
	var (
		duration time.Duration
		record   string
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Stream device events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			return g.session(ctx, func(e *rpc.Engine, _ *radio.Radio) error {
				return g.monitor(ctx, e, record)
			})
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 = until interrupted)")
	cmd.Flags().StringVar(&record, "record", "", "also record events into this SQLite file")
	return cmd
}

func (g *globals) monitor(ctx context.Context, e *rpc.Engine, record string) error {
	bus := monitor.NewEventBus(g.cfg.Monitor.BusBuffer)
	mon := monitor.New(e, bus, g.cfg.Monitor.PollInterval, g.log)
	dev := radio.New(mon, radio.WithTimeout(g.cfg.RPC.Timeout))

	events, unsub := bus.Subscribe()
	defer unsub()

	if record != "" {
		db, err := store.Open(record)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.Migrate(db); err != nil {
			return err
		}
		recCh, unsubRec := bus.Subscribe()
		defer unsubRec()
		rec := recorder.New(db, g.log)
		go rec.Start(ctx, recCh) //nolint:errcheck
	}

	if g.cfg.Monitor.SubscribeStats {
		if _, err := dev.SubscribeEvents(ctx, radio.StatsEvent); err != nil {
			g.log.Warn("stats subscription failed", zap.Error(err))
		}
	}

	runErr := make(chan error, 1)
	go func() { runErr <- mon.Run(ctx) }()

	for {
		select {
		case err := <-runErr:
			return err
		case ev := <-events:
			if rpc.IsStreamChunk(ev.Message()) {
				continue
			}
			if err := g.printEvent(ev); err != nil {
				return err
			}
		}
	}
}

func (g *globals) printEvent(ev monitor.Event) error {
	if g.json {
		return json.NewEncoder(g.out).Encode(ev)
	}
	ts := ev.ReceivedAt.Local().Format("15:04:05.000")
	if ev.Name == radio.StatsEvent {
		if s, err := radio.ParseStats(ev.Message()); err == nil {
			_, err := fmt.Fprintf(g.out, "%s stats #%d  %s %s %d  rssi=%d snr=%d vol=%d  %.2fV\n",
				ts, ev.Seq, s.Band, s.Mode, s.Frequency, s.RSSI, s.SNR, s.Volume, s.Voltage)
			return err
		}
	}
	params, _ := json.Marshal(ev.Params)
	_, err := fmt.Fprintf(g.out, "%s %s #%d %s\n", ts, ev.Name, ev.Seq, params)
	return err
}

func newCaptureCmd(g *globals) *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture the receiver screen to a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				out = "screen." + format
			}
			return g.session(cmd.Context(), func(_ *rpc.Engine, r *radio.Radio) error {
				c, err := r.CaptureScreen(cmd.Context(), format)
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, c.Data, 0o644); err != nil {
					return fmt.Errorf("capture: write %s: %w", out, err)
				}
				if g.json {
					return g.print(map[string]any{
						"file": out, "format": c.Format, "width": c.Width, "height": c.Height, "bytes": len(c.Data),
					})
				}
				_, err = fmt.Fprintf(g.out, "%s: %dx%d %s, %d bytes\n", out, c.Width, c.Height, c.Format, len(c.Data))
				return err
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", radio.FormatBinary, "binary or rle")
	cmd.Flags().StringVar(&out, "out", "", "output file (default screen.<format>)")
	return cmd
}

func newBridgeCmd(g *globals) *cobra.Command {
	var listen, db string
	var noRecord bool
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Serve the HTTP/WebSocket bridge and record events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen != "" {
				g.cfg.Gateway.ListenAddr = listen
			}
			if db != "" {
				g.cfg.Store.Path = db
			}
			if noRecord {
				g.cfg.Store.Record = false
			}
			return gateway.New(g.cfg, g.log).Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (env "+config.EnvListen+")")
	cmd.Flags().StringVar(&db, "db", "", "SQLite file for recorded events (env "+config.EnvDB+")")
	cmd.Flags().BoolVar(&noRecord, "no-record", false, "do not record events")
	return cmd
}
