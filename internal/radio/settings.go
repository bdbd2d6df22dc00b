package radio

import (
	"context"
	"fmt"
	"sort"
)

// Setting names a get/set pair whose result map is returned as-is.
type Setting string

const (
	Step      Setting = "step"
	Bandwidth Setting = "bandwidth"
	AGC       Setting = "agc"
	Softmute  Setting = "softmute"
	AVC       Setting = "avc"
	Theme     Setting = "theme"
	SleepMode Setting = "sleep.mode"
	RDSMode   Setting = "rds.mode"
	UTCOffset Setting = "utc.offset"
	FMRegion  Setting = "fm.region"
	UILayout  Setting = "ui.layout"
	USBMode   Setting = "usb.mode"
	BLEMode   Setting = "ble.mode"
	WiFiMode  Setting = "wifi.mode"
	Calibrate Setting = "cal"
)

var settings = map[Setting]struct{}{
	Step: {}, Bandwidth: {}, AGC: {}, Softmute: {}, AVC: {}, Theme: {},
	SleepMode: {}, RDSMode: {}, UTCOffset: {}, FMRegion: {}, UILayout: {},
	USBMode: {}, BLEMode: {}, WiFiMode: {}, Calibrate: {},
}

// Settings lists every generic setting, sorted.
func Settings() []Setting {
	out := make([]Setting, 0, len(settings))
	for s := range settings {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseSetting accepts a setting name as the device spells it.
func ParseSetting(name string) (Setting, error) {
	s := Setting(name)
	if _, ok := settings[s]; !ok {
		return "", fmt.Errorf("radio: unknown setting %q", name)
	}
	return s, nil
}

// Get calls "<setting>.get".
func (r *Radio) Get(ctx context.Context, s Setting) (map[string]any, error) {
	return r.Call(ctx, string(s)+".get", nil)
}

// Set calls "<setting>.set" with {"value": v}.
func (r *Radio) Set(ctx context.Context, s Setting, v int) (map[string]any, error) {
	return r.Call(ctx, string(s)+".set", map[string]any{"value": v})
}
