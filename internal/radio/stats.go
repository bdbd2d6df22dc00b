package radio

import (
	"fmt"

	"github.com/impuls42/ats-mini/internal/message"
	"github.com/impuls42/ats-mini/internal/wire"
)

// StatsEvent is the name of the periodic receiver telemetry event.
const StatsEvent = "stats"

// Stats is the payload of a "stats" event.
type Stats struct {
	Version   int64   `cbor:"version" json:"version"`
	Frequency int64   `cbor:"frequency" json:"frequency"`
	BFO       int64   `cbor:"bfo" json:"bfo"`
	Cal       int64   `cbor:"cal" json:"cal"`
	Band      string  `cbor:"band" json:"band"`
	Mode      string  `cbor:"mode" json:"mode"`
	Step      string  `cbor:"step" json:"step"`
	Bandwidth string  `cbor:"bandwidth" json:"bandwidth"`
	AGC       int64   `cbor:"agc" json:"agc"`
	Volume    int64   `cbor:"volume" json:"volume"`
	RSSI      int64   `cbor:"rssi" json:"rssi"`
	SNR       int64   `cbor:"snr" json:"snr"`
	Cap       int64   `cbor:"cap" json:"cap"`
	Voltage   float64 `cbor:"voltage" json:"voltage"`
	// Seq counts stats samples; EventSeq is the envelope counter shared by
	// every event the device sends.
	Seq      uint64 `cbor:"seq" json:"seq"`
	EventSeq uint64 `cbor:"-" json:"event_seq,omitempty"`
}

// ParseStats decodes a stats event.
func ParseStats(ev *message.Event) (*Stats, error) {
	if ev == nil || ev.Name != StatsEvent {
		return nil, fmt.Errorf("%w: radio: not a stats event", wire.ErrDecode)
	}
	var s Stats
	if err := message.DecodeParams(ev.Params, &s); err != nil {
		return nil, err
	}
	s.EventSeq = ev.Seq
	return &s, nil
}
