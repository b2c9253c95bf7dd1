// Package bluez registers the Hands-Free profile with BlueZ over D-Bus.
// BlueZ hands every RFCOMM channel it opens for the profile to
// Profile1.NewConnection as a file descriptor, which becomes the AT link
// of that device.
package bluez

import (
	"io"
	"strings"

	"hfpd/hfp"
)

const (
	// HandsFreeUUID is registered when running the HF (client) role.
	HandsFreeUUID = "0000111e-0000-1000-8000-00805f9b34fb"
	// GatewayUUID is registered when running the AG role.
	GatewayUUID = "0000111f-0000-1000-8000-00805f9b34fb"

	profileVersion uint16 = 0x0107
)

// Acceptor takes over RFCOMM channels the remote side opened.
type Acceptor interface {
	Accept(dev hfp.Device, rwc io.ReadWriteCloser)
}

// AcceptorFunc adapts a function to Acceptor.
type AcceptorFunc func(dev hfp.Device, rwc io.ReadWriteCloser)

func (f AcceptorFunc) Accept(dev hfp.Device, rwc io.ReadWriteCloser) { f(dev, rwc) }

// remoteUUID is the service a profile connects to on the peer.
func remoteUUID(local string) string {
	if strings.EqualFold(local, GatewayUUID) {
		return HandsFreeUUID
	}
	return GatewayUUID
}

// Options describes the profile registration.
type Options struct {
	UUID     string
	Name     string
	Adapter  string
	Channel  uint16
	Features uint16
}

func (o Options) withDefaults() Options {
	if o.UUID == "" {
		o.UUID = HandsFreeUUID
	}
	if o.Name == "" {
		o.Name = "hfpd"
	}
	if o.Adapter == "" {
		o.Adapter = "hci0"
	}
	return o
}

// DevicePath is the Device1 object path of dev on adapter.
func DevicePath(adapter string, dev hfp.Device) string {
	return "/org/bluez/" + adapter + "/dev_" + strings.ReplaceAll(strings.ToUpper(string(dev)), ":", "_")
}

// DeviceFromPath extracts the address from a Device1 object path.
func DeviceFromPath(p string) hfp.Device {
	i := strings.LastIndex(p, "/dev_")
	if i < 0 {
		return ""
	}
	return hfp.Device(strings.ReplaceAll(p[i+5:], "_", ":"))
}
