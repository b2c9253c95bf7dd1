package hfp

import "sync"

// AudioManager routes the voice path of the host once SCO is up.
type AudioManager interface {
	// SetScoRouted enables or disables the hands-free audio path.
	SetScoRouted(dev Device, routed bool, codec Codec)
	// SetVolume applies a gain reported by the peer.
	SetVolume(dev Device, t VolumeType, level int)
}

// NopAudioManager ignores every request.
type NopAudioManager struct{}

func (NopAudioManager) SetScoRouted(Device, bool, Codec) {}
func (NopAudioManager) SetVolume(Device, VolumeType, int) {}

// ConnectionPolicy decides whether a device may connect.
type ConnectionPolicy interface {
	Allowed(dev Device) bool
}

// DenyList forbids the listed devices and allows every other one.
type DenyList struct {
	mu     sync.RWMutex
	denied map[Device]struct{}
}

// NewDenyList creates a policy forbidding devs.
func NewDenyList(devs ...Device) *DenyList {
	d := &DenyList{denied: make(map[Device]struct{})}
	for _, dev := range devs {
		d.denied[dev] = struct{}{}
	}
	return d
}

func (d *DenyList) Allowed(dev Device) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.denied[dev]
	return !ok
}

// Forbid adds dev to the list.
func (d *DenyList) Forbid(dev Device) {
	d.mu.Lock()
	d.denied[dev] = struct{}{}
	d.mu.Unlock()
}

// Allow removes dev from the list.
func (d *DenyList) Allow(dev Device) {
	d.mu.Lock()
	delete(d.denied, dev)
	d.mu.Unlock()
}
