package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/impuls42/ats-mini/internal/config"
	"github.com/impuls42/ats-mini/internal/monitor"
)

func TestParseParams(t *testing.T) {
	p, err := parseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = parseParams([]string{`{"value": 10, "name": "VHF"}`})
	require.NoError(t, err)
	assert.Equal(t, int64(10), p["value"])
	assert.Equal(t, "VHF", p["name"])

	_, err = parseParams([]string{`[1,2]`})
	assert.Error(t, err)
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	t.Setenv(config.EnvPort, "/dev/ttyENV")
	t.Setenv(config.EnvWSURL, "")

	g := &globals{}
	cmd := &cobra.Command{Use: "x"}
	cmd.Flags().StringVar(&g.port, "port", "", "")
	cmd.Flags().StringVar(&g.wsURL, "ws", "", "")
	cmd.Flags().BoolVar(&g.ble, "ble", false, "")
	cmd.Flags().StringVar(&g.bleName, "ble-name", "", "")
	cmd.Flags().BoolVar(&g.debug, "debug", false, "")
	cmd.Flags().DurationVar(&g.timeout, "timeout", 0, "")
	require.NoError(t, cmd.ParseFlags([]string{"--timeout", "2s", "--ble-name", "MyRadio"}))

	require.NoError(t, g.load(cmd))
	assert.Equal(t, "/dev/ttyENV", g.cfg.Transport.Serial.Port)
	assert.Equal(t, 2*time.Second, g.cfg.RPC.Timeout)
	assert.Equal(t, config.KindBLE, g.cfg.TransportKind(), "BLE wins over serial")
	assert.Equal(t, "MyRadio", g.cfg.Transport.BLE.Name)
	assert.NotNil(t, g.log)
}

func TestNoTransport(t *testing.T) {
	t.Setenv(config.EnvPort, "")
	t.Setenv(config.EnvWSURL, "")

	root := newRootCmd(&bytes.Buffer{})
	root.SetArgs([]string{"status"})
	err := root.Execute()
	assert.ErrorIs(t, err, config.ErrNoTransport)
}

func TestPrintEvent(t *testing.T) {
	var buf bytes.Buffer
	g := &globals{out: &buf}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, g.printEvent(monitor.Event{
		Name: "stats", Seq: 3, ReceivedAt: at,
		Params: map[string]any{"band": "SW", "mode": "AM", "frequency": uint64(9580), "rssi": uint64(20), "voltage": 3.9},
	}))
	assert.Contains(t, buf.String(), "stats #3  SW AM 9580  rssi=20")

	buf.Reset()
	g.json = true
	require.NoError(t, g.printEvent(monitor.Event{Name: "screen.done", Seq: 4, ReceivedAt: at}))
	assert.Contains(t, buf.String(), `"event":"screen.done"`)
}
