//go:build linux

package bluez

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"hfpd/hfp"
)

const (
	bluezService        = "org.bluez"
	profileIface        = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"
	deviceIface         = "org.bluez.Device1"
)

var pathCounter uint64

// Profile is a registered HFP profile. It dispatches incoming RFCOMM
// channels to the acceptor and serves as the link dialer.
type Profile struct {
	opts Options
	bus  *dbus.Conn
	path dbus.ObjectPath
	acc  Acceptor
	log  *logrus.Entry

	mu      sync.Mutex
	waiting map[hfp.Device]chan *os.File
	open    map[hfp.Device]*os.File
	closed  bool
}

// Register exports the profile object on the system bus and registers it
// with the BlueZ profile manager.
func Register(opts Options, acc Acceptor, log *logrus.Entry) (*Profile, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}
	p := newProfile(opts, acc, log)
	p.bus = bus
	if err := bus.Export(profile1{p}, p.path, profileIface); err != nil {
		return nil, fmt.Errorf("bluez: export profile: %w", err)
	}
	reg := map[string]dbus.Variant{
		"Name":    dbus.MakeVariant(p.opts.Name),
		"Version": dbus.MakeVariant(profileVersion),
	}
	if p.opts.Features != 0 {
		reg["Features"] = dbus.MakeVariant(p.opts.Features)
	}
	if p.opts.Channel != 0 {
		reg["Channel"] = dbus.MakeVariant(p.opts.Channel)
	}
	pm := bus.Object(bluezService, "/org/bluez")
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, p.path, p.opts.UUID, reg); call.Err != nil {
		bus.Export(nil, p.path, profileIface)
		return nil, fmt.Errorf("bluez: RegisterProfile %s: %w", p.opts.UUID, call.Err)
	}
	p.log.WithField("uuid", p.opts.UUID).Info("profile registered")
	return p, nil
}

func newProfile(opts Options, acc Acceptor, log *logrus.Entry) *Profile {
	return &Profile{
		opts:    opts.withDefaults(),
		path:    dbus.ObjectPath("/org/hfpd/profile" + strconv.FormatUint(atomic.AddUint64(&pathCounter, 1), 10)),
		acc:     acc,
		log:     log,
		waiting: make(map[hfp.Device]chan *os.File),
		open:    make(map[hfp.Device]*os.File),
	}
}

// Dial asks BlueZ to connect the profile to dev and waits for the channel
// to arrive through NewConnection.
func (p *Profile) Dial(ctx context.Context, dev hfp.Device) (io.ReadWriteCloser, error) {
	ch := make(chan *os.File, 1)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, hfp.ErrClosed
	}
	if _, ok := p.waiting[dev]; ok {
		p.mu.Unlock()
		return nil, hfp.ErrBusy
	}
	p.waiting[dev] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.waiting[dev] == ch {
			delete(p.waiting, dev)
		}
		p.mu.Unlock()
	}()

	obj := p.bus.Object(bluezService, dbus.ObjectPath(DevicePath(p.opts.Adapter, dev)))
	if call := obj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, remoteUUID(p.opts.UUID)); call.Err != nil {
		return nil, fmt.Errorf("bluez: ConnectProfile %s: %w", dev, call.Err)
	}
	select {
	case f := <-ch:
		return f, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("bluez: connect %s: %w", dev, ctx.Err())
	}
}

func (p *Profile) newConnection(path dbus.ObjectPath, fd dbus.UnixFD) *dbus.Error {
	dev := DeviceFromPath(string(path))
	f := os.NewFile(uintptr(fd), "rfcomm-"+string(dev))
	log := p.log.WithField("device", dev)

	p.mu.Lock()
	if p.closed || dev == "" {
		p.mu.Unlock()
		f.Close()
		return dbus.NewError("org.bluez.Error.Rejected", []interface{}{"not accepting"})
	}
	p.open[dev] = f
	ch, dialed := p.waiting[dev]
	if dialed {
		delete(p.waiting, dev)
	}
	p.mu.Unlock()

	if dialed {
		log.Debug("outgoing channel connected")
		ch <- f
		return nil
	}
	log.Info("incoming channel")
	go p.acc.Accept(dev, f)
	return nil
}

func (p *Profile) requestDisconnection(path dbus.ObjectPath) {
	dev := DeviceFromPath(string(path))
	p.mu.Lock()
	f := p.open[dev]
	delete(p.open, dev)
	p.mu.Unlock()
	if f != nil {
		p.log.WithField("device", dev).Info("disconnection requested")
		f.Close()
	}
}

// Close unregisters the profile and closes every channel it handed out.
func (p *Profile) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	open := p.open
	p.open = nil
	p.mu.Unlock()

	for _, f := range open {
		f.Close()
	}
	if p.bus == nil {
		return nil
	}
	err := p.bus.Object(bluezService, "/org/bluez").Call(profileManagerIface+".UnregisterProfile", 0, p.path).Err
	p.bus.Export(nil, p.path, profileIface)
	return err
}

// profile1 implements org.bluez.Profile1.
type profile1 struct{ p *Profile }

func (o profile1) Release() *dbus.Error { return nil }

func (o profile1) Cancel() *dbus.Error { return nil }

func (o profile1) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	return o.p.newConnection(dev, fd)
}

func (o profile1) RequestDisconnection(dev dbus.ObjectPath) *dbus.Error {
	o.p.requestDisconnection(dev)
	return nil
}
