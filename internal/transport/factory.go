package transport

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/impuls42/ats-mini/internal/config"
)

// New builds the transport selected by cfg. It does not connect.
func New(cfg *config.Config, log *zap.Logger) (Transport, error) {
	tc := cfg.Transport
	switch cfg.TransportKind() {
	case config.KindWebSocket:
		return NewWebSocket(WebSocketConfig{URL: tc.WebSocket.URL, Timeout: tc.WebSocket.Timeout}, log), nil
	case config.KindBLE:
		central, err := NewBlueZCentral(log)
		if err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
		return NewBLE(BLEConfig{Name: tc.BLE.Name, ScanTimeout: tc.BLE.ScanTimeout}, central, log), nil
	case config.KindSerial:
		return NewSerial(SerialConfig{Port: tc.Serial.Port, BaudRate: tc.Serial.BaudRate}, log), nil
	default:
		return nil, config.ErrNoTransport
	}
}
