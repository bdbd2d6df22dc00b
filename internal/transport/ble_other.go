//go:build !linux

package transport

import (
	"go.uber.org/zap"

	"github.com/impuls42/ats-mini/internal/wire"
)

// NewBlueZCentral is only available on linux.
func NewBlueZCentral(log *zap.Logger) (BLECentral, error) {
	return nil, wire.Connectionf("ble: no BLE central for this platform")
}
