package hfp

import (
	"sync"

	"github.com/dustin/go-broadcast"

	"hfpd/call"
)

// Notification is an outward event produced by the state machines.
type Notification interface {
	Source() Device
}

// ConnectionStateChanged reports a link state change of one device.
type ConnectionStateChanged struct {
	Device Device
	Prev   ConnectionState
	State  ConnectionState
}

// AudioStateChanged reports a SCO state change of one device.
type AudioStateChanged struct {
	Device Device
	Prev   AudioState
	State  AudioState
	Codec  Codec
}

// CallChanged reports a new, updated or terminated call leg.
type CallChanged struct {
	Device Device
	Call   call.Call
}

// ActiveDeviceChanged reports the new active device; empty means none.
type ActiveDeviceChanged struct {
	Device Device
}

// AudioModeChanged reports the audio mode of the gateway (none, telecom,
// virtual_call or voice_recognition) and the device it is bound to.
type AudioModeChanged struct {
	Device Device
	Mode   string
}

// IndicatorChanged reports a network or battery indicator of the peer.
type IndicatorChanged struct {
	Device    Device
	Indicator Indicator
	Value     int
}

// HFIndicatorChanged reports an HF indicator value (AT+BIEV) from a headset.
type HFIndicatorChanged struct {
	Device    Device
	Indicator int
	Value     int
}

// OperatorChanged reports the network operator name of the peer.
type OperatorChanged struct {
	Device Device
	Name   string
}

// SubscriberInfo reports the subscriber number of the peer.
type SubscriberInfo struct {
	Device Device
	Number string
	Type   int
}

// VoiceRecognitionChanged reports a voice recognition session change.
type VoiceRecognitionChanged struct {
	Device Device
	Active bool
}

// VolumeChanged reports a speaker or microphone gain change.
type VolumeChanged struct {
	Device Device
	Type   VolumeType
	Level  int
}

// InBandRingChanged reports whether the gateway plays ring tones in band.
type InBandRingChanged struct {
	Device  Device
	Enabled bool
}

// RingIndication reports a RING from the gateway.
type RingIndication struct {
	Device Device
}

// VendorEvent reports a vendor specific AT command or result.
type VendorEvent struct {
	Device   Device
	VendorID int
	Command  string
}

// AudioPolicyChanged reports the audio policy capability of a gateway.
type AudioPolicyChanged struct {
	Device    Device
	Supported bool
}

func (n ConnectionStateChanged) Source() Device  { return n.Device }
func (n AudioStateChanged) Source() Device       { return n.Device }
func (n CallChanged) Source() Device             { return n.Device }
func (n ActiveDeviceChanged) Source() Device     { return n.Device }
func (n AudioModeChanged) Source() Device        { return n.Device }
func (n IndicatorChanged) Source() Device        { return n.Device }
func (n HFIndicatorChanged) Source() Device      { return n.Device }
func (n OperatorChanged) Source() Device         { return n.Device }
func (n SubscriberInfo) Source() Device          { return n.Device }
func (n VoiceRecognitionChanged) Source() Device { return n.Device }
func (n VolumeChanged) Source() Device           { return n.Device }
func (n InBandRingChanged) Source() Device       { return n.Device }
func (n RingIndication) Source() Device          { return n.Device }
func (n VendorEvent) Source() Device             { return n.Device }
func (n AudioPolicyChanged) Source() Device      { return n.Device }

// Notifier receives outward notifications. Implementations must not block
// for long; they are called from machine loops.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// Broadcaster fans notifications out to any number of subscribers. Each
// subscriber is fed by its own pump, so a subscriber that stops reading loses
// notifications instead of stalling the machines that publish them.
type Broadcaster struct {
	b      broadcast.Broadcaster
	mu     sync.RWMutex
	closed bool
	quit   chan struct{}
}

// NewBroadcaster creates a broadcaster with an input buffer of buflen.
func NewBroadcaster(buflen int) *Broadcaster {
	return &Broadcaster{b: broadcast.NewBroadcaster(buflen), quit: make(chan struct{})}
}

func (b *Broadcaster) Notify(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.b.Submit(n)
}

// Subscribe registers a buffered channel receiving notifications until the
// returned cancel function is called. Notifications arriving while the
// channel is full are dropped.
func (b *Broadcaster) Subscribe(size int) (<-chan interface{}, func()) {
	in := make(chan interface{})
	out := make(chan interface{}, size)
	done := make(chan struct{})
	go b.pump(in, out, done)

	b.mu.RLock()
	if !b.closed {
		b.b.Register(in)
	}
	b.mu.RUnlock()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			// The pump keeps draining in until the broadcaster has let go of it.
			b.mu.RLock()
			if !b.closed {
				b.b.Unregister(in)
			}
			b.mu.RUnlock()
			close(done)
		})
	}
}

func (b *Broadcaster) pump(in <-chan interface{}, out chan<- interface{}, done <-chan struct{}) {
	for {
		select {
		case v := <-in:
			select {
			case out <- v:
			default:
			}
		case <-done:
			return
		case <-b.quit:
			return
		}
	}
}

// Close stops delivery.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.quit)
	return b.b.Close()
}
