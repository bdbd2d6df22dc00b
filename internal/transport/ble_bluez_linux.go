//go:build linux

package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/impuls42/ats-mini/internal/wire"
)

const (
	bluezService     = "org.bluez"
	adapterIface     = "org.bluez.Adapter1"
	deviceIface      = "org.bluez.Device1"
	gattCharIface    = "org.bluez.GattCharacteristic1"
	objManagerIface  = "org.freedesktop.DBus.ObjectManager"
	propsIface       = "org.freedesktop.DBus.Properties"
	servicesPollTick = 100 * time.Millisecond
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BlueZCentral is a BLECentral backed by BlueZ over the system D-Bus.
type BlueZCentral struct {
	log *zap.Logger
}

// NewBlueZCentral returns the platform BLE central.
func NewBlueZCentral(log *zap.Logger) (BLECentral, error) {
	if log == nil {
		log = zap.NewNop()
	}
	return &BlueZCentral{log: log.Named("bluez")}, nil
}

func (c *BlueZCentral) Connect(ctx context.Context, name string, scanTimeout time.Duration) (BLEPeripheral, error) {
	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, wire.Connectionf("bluez: connect system bus: %w", err)
	}
	p, err := c.connect(ctx, bus, name, scanTimeout)
	if err != nil {
		bus.Close()
		return nil, err
	}
	return p, nil
}

func (c *BlueZCentral) connect(ctx context.Context, bus *dbus.Conn, name string, scanTimeout time.Duration) (*bluezPeripheral, error) {
	objs, err := getManagedObjects(bus)
	if err != nil {
		return nil, err
	}
	adapter, ok := firstWithIface(objs, adapterIface)
	if !ok {
		return nil, wire.Connectionf("bluez: no bluetooth adapter")
	}

	sigCh := make(chan *dbus.Signal, 64)
	bus.Signal(sigCh)
	if err := bus.AddMatchSignal(
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	); err != nil {
		return nil, fmt.Errorf("bluez: AddMatchSignal: %w", err)
	}
	if err := bus.AddMatchSignal(
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return nil, fmt.Errorf("bluez: AddMatchSignal: %w", err)
	}

	devPath, err := c.discover(ctx, bus, adapter, objs, sigCh, name, scanTimeout)
	if err != nil {
		return nil, err
	}

	dev := bus.Object(bluezService, devPath)
	c.log.Debug("connecting", zap.String("path", string(devPath)))
	connectCtx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()
	if call := dev.CallWithContext(connectCtx, deviceIface+".Connect", 0); call.Err != nil {
		return nil, wire.Connectionf("bluez: Device1.Connect: %w", call.Err)
	}
	if err := waitServicesResolved(connectCtx, dev); err != nil {
		dev.Call(deviceIface+".Disconnect", 0)
		return nil, err
	}

	objs, err = getManagedObjects(bus)
	if err != nil {
		return nil, err
	}
	p := &bluezPeripheral{
		bus:      bus,
		dev:      dev,
		devPath:  devPath,
		chars:    characteristics(objs, devPath),
		handlers: make(map[dbus.ObjectPath]func([]byte)),
		log:      c.log,
	}
	if _, ok := p.chars[NUSTXCharUUID]; !ok {
		dev.Call(deviceIface+".Disconnect", 0)
		return nil, wire.Connectionf("bluez: %s does not expose the UART service", name)
	}
	go p.dispatch(sigCh)
	return p, nil
}

// discover returns a device whose Name matches, from the cached objects or
// from InterfacesAdded while LE discovery runs.
func (c *BlueZCentral) discover(ctx context.Context, bus *dbus.Conn, adapter dbus.ObjectPath, objs managedObjects,
	sigCh <-chan *dbus.Signal, name string, scanTimeout time.Duration) (dbus.ObjectPath, error) {
	if path, ok := deviceByName(objs, name); ok {
		return path, nil
	}

	ad := bus.Object(bluezService, adapter)
	filter := map[string]dbus.Variant{"Transport": dbus.MakeVariant("le")}
	if call := ad.Call(adapterIface+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		c.log.Debug("SetDiscoveryFilter", zap.Error(call.Err))
	}
	if call := ad.Call(adapterIface+".StartDiscovery", 0); call.Err != nil {
		return "", wire.Connectionf("bluez: StartDiscovery: %w", call.Err)
	}
	defer ad.Call(adapterIface+".StopDiscovery", 0)

	timer := time.NewTimer(scanTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", wire.Connectionf("bluez: device %q not found after %s scan", name, scanTimeout)
		case sig, ok := <-sigCh:
			if !ok {
				return "", wire.Connectionf("bluez: bus closed during scan")
			}
			if sig.Name != objManagerIface+".InterfacesAdded" || len(sig.Body) < 2 {
				continue
			}
			path, _ := sig.Body[0].(dbus.ObjectPath)
			ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
			if devName, ok := stringProp(ifaces[deviceIface], "Name"); ok && devName == name {
				return path, nil
			}
		}
	}
}

// bluezPeripheral maps characteristic UUIDs to their BlueZ object paths.
type bluezPeripheral struct {
	bus     *dbus.Conn
	dev     dbus.BusObject
	devPath dbus.ObjectPath
	chars   map[string]dbus.ObjectPath
	log     *zap.Logger

	mu           sync.Mutex
	handlers     map[dbus.ObjectPath]func([]byte)
	onDisconnect func()
	disconnected bool
}

func (p *bluezPeripheral) Subscribe(uuid string, onData func([]byte)) error {
	path, ok := p.chars[strings.ToLower(uuid)]
	if !ok {
		return fmt.Errorf("bluez: characteristic %s not found", uuid)
	}
	p.mu.Lock()
	p.handlers[path] = onData
	p.mu.Unlock()
	if call := p.bus.Object(bluezService, path).Call(gattCharIface+".StartNotify", 0); call.Err != nil {
		p.mu.Lock()
		delete(p.handlers, path)
		p.mu.Unlock()
		return fmt.Errorf("bluez: StartNotify: %w", call.Err)
	}
	return nil
}

func (p *bluezPeripheral) Unsubscribe(uuid string) error {
	path, ok := p.chars[strings.ToLower(uuid)]
	if !ok {
		return fmt.Errorf("bluez: characteristic %s not found", uuid)
	}
	p.mu.Lock()
	delete(p.handlers, path)
	p.mu.Unlock()
	if call := p.bus.Object(bluezService, path).Call(gattCharIface+".StopNotify", 0); call.Err != nil {
		return fmt.Errorf("bluez: StopNotify: %w", call.Err)
	}
	return nil
}

func (p *bluezPeripheral) WriteWithoutResponse(ctx context.Context, uuid string, data []byte) error {
	path, ok := p.chars[strings.ToLower(uuid)]
	if !ok {
		return fmt.Errorf("bluez: characteristic %s not found", uuid)
	}
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("command")}
	call := p.bus.Object(bluezService, path).CallWithContext(ctx, gattCharIface+".WriteValue", 0, data, opts)
	return call.Err
}

// MTU reads the characteristic's negotiated MTU (BlueZ 5.62+).
func (p *bluezPeripheral) MTU() (int, error) {
	path, ok := p.chars[NUSRXCharUUID]
	if !ok {
		return 0, fmt.Errorf("bluez: rx characteristic not found")
	}
	v, err := p.bus.Object(bluezService, path).GetProperty(gattCharIface + ".MTU")
	if err != nil {
		return 0, err
	}
	mtu, ok := v.Value().(uint16)
	if !ok {
		return 0, fmt.Errorf("bluez: unexpected MTU type %T", v.Value())
	}
	return int(mtu), nil
}

func (p *bluezPeripheral) OnDisconnect(fn func()) {
	p.mu.Lock()
	p.onDisconnect = fn
	p.mu.Unlock()
}

func (p *bluezPeripheral) Disconnect() error {
	var err error
	if call := p.dev.Call(deviceIface+".Disconnect", 0); call.Err != nil {
		err = multierr.Append(err, fmt.Errorf("bluez: Device1.Disconnect: %w", call.Err))
	}
	return multierr.Append(err, p.bus.Close())
}

// dispatch routes PropertiesChanged signals until the bus is closed.
func (p *bluezPeripheral) dispatch(sigCh <-chan *dbus.Signal) {
	for sig := range sigCh {
		if sig.Name != propsIface+".PropertiesChanged" || len(sig.Body) < 2 {
			continue
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		switch {
		case iface == gattCharIface:
			v, ok := changed["Value"]
			if !ok {
				continue
			}
			data, _ := v.Value().([]byte)
			p.mu.Lock()
			fn := p.handlers[sig.Path]
			p.mu.Unlock()
			if fn != nil && len(data) > 0 {
				fn(data)
			}
		case iface == deviceIface && sig.Path == p.devPath:
			if v, ok := changed["Connected"]; ok {
				if connected, _ := v.Value().(bool); !connected {
					p.fireDisconnect()
				}
			}
		}
	}
	p.fireDisconnect()
}

func (p *bluezPeripheral) fireDisconnect() {
	p.mu.Lock()
	if p.disconnected {
		p.mu.Unlock()
		return
	}
	p.disconnected = true
	fn := p.onDisconnect
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// ── helpers ───────────────────────────────────────────────────────────────

func getManagedObjects(bus *dbus.Conn) (managedObjects, error) {
	var objs managedObjects
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	if call := obj.Call(objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, wire.Connectionf("bluez: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, wire.Connectionf("bluez: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func firstWithIface(objs managedObjects, iface string) (dbus.ObjectPath, bool) {
	for path, ifaces := range objs {
		if _, ok := ifaces[iface]; ok {
			return path, true
		}
	}
	return "", false
}

func deviceByName(objs managedObjects, name string) (dbus.ObjectPath, bool) {
	for path, ifaces := range objs {
		if n, ok := stringProp(ifaces[deviceIface], "Name"); ok && n == name {
			return path, true
		}
	}
	return "", false
}

func characteristics(objs managedObjects, devPath dbus.ObjectPath) map[string]dbus.ObjectPath {
	out := make(map[string]dbus.ObjectPath)
	prefix := string(devPath) + "/"
	for path, ifaces := range objs {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if uuid, ok := stringProp(ifaces[gattCharIface], "UUID"); ok {
			out[strings.ToLower(uuid)] = path
		}
	}
	return out
}

func stringProp(props map[string]dbus.Variant, key string) (string, bool) {
	if props == nil {
		return "", false
	}
	v, ok := props[key]
	if !ok {
		return "", false
	}
	s, ok := v.Value().(string)
	return s, ok
}

func waitServicesResolved(ctx context.Context, dev dbus.BusObject) error {
	tick := time.NewTicker(servicesPollTick)
	defer tick.Stop()
	for {
		if v, err := dev.GetProperty(deviceIface + ".ServicesResolved"); err == nil {
			if resolved, _ := v.Value().(bool); resolved {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return wire.Timeoutf("bluez: GATT services not resolved")
			}
			return ctx.Err()
		case <-tick.C:
		}
	}
}
