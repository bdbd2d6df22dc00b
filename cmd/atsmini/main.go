// Command atsmini talks to an ATS-Mini receiver over serial, WebSocket or BLE.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/impuls42/ats-mini/internal/config"
	"github.com/impuls42/ats-mini/internal/gateway"
	"github.com/impuls42/ats-mini/internal/logging"
	"github.com/impuls42/ats-mini/internal/radio"
	"github.com/impuls42/ats-mini/internal/rpc"
)

// globals holds the persistent flags.
type globals struct {
	configPath string
	port       string
	wsURL      string
	ble        bool
	bleName    string
	json       bool
	debug      bool
	timeout    time.Duration

	cfg *config.Config
	log *zap.Logger
	out io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	g := &globals{out: out}
	root := &cobra.Command{
		Use:           "atsmini",
		Short:         "Control an ATS-Mini receiver over its CBOR-RPC interface",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.load(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if g.log != nil {
				g.log.Sync() //nolint:errcheck
			}
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&g.configPath, "config", "", "YAML config file")
	f.StringVar(&g.port, "port", "", "serial port, e.g. /dev/ttyACM0 (env "+config.EnvPort+")")
	f.StringVar(&g.wsURL, "ws", "", "WebSocket URL, e.g. ws://atsmini.local/rpc (env "+config.EnvWSURL+")")
	f.BoolVar(&g.ble, "ble", false, "connect over BLE (env "+config.EnvBLE+")")
	f.StringVar(&g.bleName, "ble-name", "", "BLE device name (default \"ATS-Mini\")")
	f.BoolVar(&g.json, "json", false, "machine-readable output")
	f.BoolVar(&g.debug, "debug", false, "log every frame (env "+config.EnvDebug+")")
	f.DurationVar(&g.timeout, "timeout", 0, "RPC timeout (default 5s)")

	root.AddCommand(
		newCallCmd(g),
		newStatusCmd(g),
		newVolumeCmd(g),
		newMonitorCmd(g),
		newCaptureCmd(g),
		newBridgeCmd(g),
	)
	return root
}

// load resolves configuration: defaults, then file, then env, then flags.
func (g *globals) load(cmd *cobra.Command) error {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Transport.Serial.Port = g.port
	}
	if flags.Changed("ws") {
		cfg.Transport.WebSocket.URL = g.wsURL
	}
	if flags.Changed("ble") {
		cfg.Transport.BLE.Enabled = g.ble
	}
	if flags.Changed("ble-name") {
		cfg.Transport.BLE.Enabled = true
		cfg.Transport.BLE.Name = g.bleName
	}
	if flags.Changed("debug") {
		cfg.Log.Debug = g.debug
	}
	if flags.Changed("timeout") {
		cfg.RPC.Timeout = g.timeout
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	g.cfg = cfg

	g.log, err = logging.New(cfg.Log.Format, cfg.Log.Debug)
	return err
}

// session opens the device and runs fn with a facade over it.
func (g *globals) session(ctx context.Context, fn func(e *rpc.Engine, r *radio.Radio) error) error {
	e, err := gateway.Open(ctx, g.cfg, g.log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.Close(); cerr != nil {
			g.log.Debug("close", zap.Error(cerr))
		}
	}()
	return fn(e, radio.New(e, radio.WithTimeout(g.cfg.RPC.Timeout)))
}

// print writes v as JSON: indented for humans, compact with --json.
func (g *globals) print(v any) error {
	enc := json.NewEncoder(g.out)
	if !g.json {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
