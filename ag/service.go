// Package ag implements the audio gateway role: one state machine per
// connected headset plus a coordinator owning the active device and the
// audio mode shared by all of them.
package ag

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"hfpd/call"
	"hfpd/hfp"
)

// Config holds the timing and policy knobs of the gateway role.
type Config struct {
	LinkTimeout  time.Duration
	AudioTimeout time.Duration
	// AudioDisconnectRetries is how often a stuck audio disconnect is
	// retried before the connection is dropped.
	AudioDisconnectRetries int

	ClccResponseTimeout     time.Duration
	DialOutTimeout          time.Duration
	VoiceRecognitionTimeout time.Duration

	MaxConnectedDevices int
	InBandRing          bool
	ForceSco            bool
	AudioRouteAllowed   bool
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	return Config{
		LinkTimeout:             10 * time.Second,
		AudioTimeout:            10 * time.Second,
		AudioDisconnectRetries:  3,
		ClccResponseTimeout:     5 * time.Second,
		DialOutTimeout:          10 * time.Second,
		VoiceRecognitionTimeout: 5 * time.Second,
		MaxConnectedDevices:     2,
		AudioRouteAllowed:       true,
	}
}

// Options wires a Service to its collaborators.
type Options struct {
	Config   Config
	Native   Native
	System   SystemInterface
	Notifier hfp.Notifier
	Audio    hfp.AudioManager
	Policy   hfp.ConnectionPolicy
	Clock    hfp.Clock
	Log      *logrus.Entry
}

// Service owns the gateway machines and the coordinator, and routes stack
// events, telephony updates and API requests to them.
type Service struct {
	env      *env
	log      *logrus.Entry
	machines *hfp.Registry[*Machine]
	coord    *Coordinator
	notifier hfp.Notifier
	policy   hfp.ConnectionPolicy

	mu      sync.RWMutex
	started bool
	closed  bool

	connMu sync.Mutex
	conns  map[hfp.Device]hfp.ConnectionState
}

func NewService(o Options) *Service {
	if o.Config == (Config{}) {
		o.Config = DefaultConfig()
	}
	if o.Log == nil {
		o.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if o.Notifier == nil {
		o.Notifier = hfp.NotifierFunc(func(hfp.Notification) {})
	}
	if o.Audio == nil {
		o.Audio = hfp.NopAudioManager{}
	}
	if o.Policy == nil {
		o.Policy = hfp.NewDenyList()
	}
	if o.Clock == nil {
		o.Clock = hfp.SystemClock{}
	}
	s := &Service{
		log:      o.Log,
		machines: hfp.NewRegistry[*Machine](hfp.MaxMachines, o.Log),
		notifier: o.Notifier,
		policy:   o.Policy,
		conns:    make(map[hfp.Device]hfp.ConnectionState),
	}
	s.coord = newCoordinator(o.Config, s.machines, o.System, o.Notifier, o.Clock, o.Log)
	s.env = &env{
		cfg:      o.Config,
		native:   o.Native,
		system:   o.System,
		notifier: hfp.NotifierFunc(s.observe),
		audio:    o.Audio,
		clock:    o.Clock,
		coord:    s.coord,
		admit:    s.admit,
	}
	return s
}

func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.coord.start()
	s.log.WithField("max_connected_devices", s.env.cfg.MaxConnectedDevices).Info("audio gateway service started")
}

// Close stops every machine and the coordinator.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.machines.Each(func(dev hfp.Device, m *Machine) {
		m.stop()
		s.machines.Remove(dev)
	})
	s.coord.stop()
	s.log.Info("audio gateway service stopped")
	return nil
}

func (s *Service) running() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started || s.closed {
		return hfp.ErrClosed
	}
	return nil
}

// observe tracks connection slots and feeds link changes to the
// coordinator before passing notifications on.
func (s *Service) observe(n hfp.Notification) {
	switch e := n.(type) {
	case hfp.ConnectionStateChanged:
		s.connMu.Lock()
		if e.State == hfp.ConnectionDisconnected {
			delete(s.conns, e.Device)
		} else {
			s.conns[e.Device] = e.State
		}
		s.connMu.Unlock()
		if e.Prev != e.State {
			s.coord.post(func() { s.coord.onConnectionChanged(e.Device, e.State) })
		}
	case hfp.AudioStateChanged:
		if e.Prev != e.State {
			s.coord.post(func() { s.coord.onAudioChanged(e.Device, e.State) })
		}
	}
	s.notifier.Notify(n)
}

// admit checks the connection policy and the connected device limit.
func (s *Service) admit(dev hfp.Device) error {
	if !s.policy.Allowed(dev) {
		return hfp.ErrPolicyForbidden
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	n := 0
	for d := range s.conns {
		if d != dev {
			n++
		}
	}
	if n >= s.env.cfg.MaxConnectedDevices {
		return hfp.ErrMaxConnections
	}
	return nil
}

// errRetired reports a request that reached a machine after it was dropped.
var errRetired = errors.New("ag: state machine retired")

func (s *Service) create(dev hfp.Device) (*Machine, error) {
	newM := func() *Machine { return newMachine(dev, s.env, s.log) }
	m, created, err := s.machines.GetOrCreate(dev, newM)
	if errors.Is(err, hfp.ErrTooManyMachines) && s.reclaim() > 0 {
		m, created, err = s.machines.GetOrCreate(dev, newM)
	}
	if err != nil {
		return nil, err
	}
	if created {
		s.log.WithField("device", dev).Debug("created state machine")
	}
	return m, nil
}

// retire drops m from the registry if it is idle and stops it.
func (s *Service) retire(dev hfp.Device, m *Machine) bool {
	var ok bool
	err := m.do(func() {
		if m.retired || !m.idle() {
			return
		}
		m.retired = s.machines.RemoveIf(dev, func(cur *Machine) bool { return cur == m })
		ok = m.retired
	})
	if err != nil || !ok {
		return false
	}
	m.stop()
	s.log.WithField("device", dev).Debug("removed state machine")
	return true
}

// reclaim retires every idle machine and returns how many were dropped.
func (s *Service) reclaim() int {
	n := 0
	s.machines.Each(func(dev hfp.Device, m *Machine) {
		if s.retire(dev, m) {
			n++
		}
	})
	if n > 0 {
		s.log.WithField("count", n).Info("reclaimed idle state machines")
	}
	return n
}

func (s *Service) machine(dev hfp.Device) (*Machine, error) {
	if err := s.running(); err != nil {
		return nil, err
	}
	m, ok := s.machines.Get(dev)
	if !ok {
		return nil, hfp.ErrUnknownDevice
	}
	return m, nil
}

// exec runs fn on the machine loop and returns its error, or errRetired
// when the machine was dropped first.
func (s *Service) exec(m *Machine, fn func() error) error {
	var err error
	derr := m.do(func() {
		if m.retired {
			err = errRetired
			return
		}
		err = fn()
	})
	if derr != nil {
		if s.running() == nil {
			return errRetired
		}
		return derr
	}
	return err
}

func (s *Service) call(dev hfp.Device, fn func(m *Machine) error) error {
	m, err := s.machine(dev)
	if err != nil {
		return err
	}
	if err := s.exec(m, func() error { return fn(m) }); err != errRetired {
		return err
	}
	return hfp.ErrUnknownDevice
}

func (s *Service) coordinate(fn func(c *Coordinator) error) error {
	if err := s.running(); err != nil {
		return err
	}
	return s.coord.exec(func() error { return fn(s.coord) })
}

// HandleEvent routes a stack event to the machine of its device. Only
// connection events from allowed devices may create a machine.
func (s *Service) HandleEvent(ev StackEvent) error {
	if err := s.running(); err != nil {
		return err
	}
	dev := ev.Source()
	m, ok := s.machines.Get(dev)
	if !ok {
		if !createsMachine(ev) {
			s.log.WithFields(logrus.Fields{"device": dev, "event": ev}).Debug("dropping event for unknown device")
			return hfp.ErrUnknownDevice
		}
		if !s.policy.Allowed(dev) {
			s.log.WithField("device", dev).Info("connection policy forbids device, dropping incoming link")
			s.env.native.Disconnect(dev)
			return hfp.ErrPolicyForbidden
		}
		var err error
		if m, err = s.create(dev); err != nil {
			return err
		}
	}
	posted := m.post(func() {
		if m.retired {
			go s.HandleEvent(ev)
			return
		}
		m.handleEvent(ev)
	})
	if !posted {
		if err := s.running(); err != nil {
			return err
		}
		// Stopped after being retired; the registry no longer holds it.
		return s.HandleEvent(ev)
	}
	return nil
}

// Connect starts a service level connection to dev.
func (s *Service) Connect(dev hfp.Device) error {
	if err := s.running(); err != nil {
		return err
	}
	if err := s.admit(dev); err != nil {
		s.log.WithError(err).WithField("device", dev).Info("connect refused")
		return err
	}
	for {
		m, err := s.create(dev)
		if err != nil {
			return err
		}
		if err := s.exec(m, m.connect); err != errRetired {
			return err
		}
	}
}

func (s *Service) Disconnect(dev hfp.Device) error {
	return s.call(dev, (*Machine).disconnect)
}

// ConnectAudio opens SCO to dev. It is refused, with a same-state
// notification, unless dev is active and a call, ring, virtual call or
// voice recognition session needs audio.
func (s *Service) ConnectAudio(dev hfp.Device) error {
	return s.call(dev, (*Machine).connectAudio)
}

func (s *Service) DisconnectAudio(dev hfp.Device) error {
	return s.call(dev, (*Machine).disconnectAudio)
}

// SetActiveDevice selects the headset that carries call audio. An empty dev
// clears the selection.
func (s *Service) SetActiveDevice(dev hfp.Device) error {
	return s.coordinate(func(c *Coordinator) error { return c.setActiveDevice(dev) })
}

func (s *Service) ActiveDevice() hfp.Device {
	return s.coord.snapshot().active
}

// Mode returns the audio mode and the device it is bound to.
func (s *Service) Mode() (Mode, hfp.Device) {
	p := s.coord.snapshot()
	return p.mode, p.modeDevice
}

// IsScoAcceptable reports why audio to dev would be refused, or nil.
func (s *Service) IsScoAcceptable(dev hfp.Device) error {
	return s.coord.scoAcceptable(dev)
}

func (s *Service) StartVoiceRecognition(dev hfp.Device) error {
	return s.coordinate(func(c *Coordinator) error { return c.startVoiceRecognition(dev) })
}

func (s *Service) StopVoiceRecognition(dev hfp.Device) error {
	return s.coordinate(func(c *Coordinator) error { return c.stopVoiceRecognition(dev) })
}

// StartVirtualCall opens audio to dev outside of a telephony call.
func (s *Service) StartVirtualCall(dev hfp.Device) error {
	return s.coordinate(func(c *Coordinator) error { return c.startVirtualCall(dev) })
}

func (s *Service) StopVirtualCall(dev hfp.Device) error {
	return s.coordinate(func(c *Coordinator) error { return c.stopVirtualCall(dev) })
}

// PhoneStateChanged is called by the telephony stack on every call change.
func (s *Service) PhoneStateChanged(ps PhoneState) error {
	return s.coordinate(func(c *Coordinator) error {
		c.phoneStateChanged(ps)
		return nil
	})
}

// DeviceStatusChanged is called by the telephony stack when network or
// battery indicators change.
func (s *Service) DeviceStatusChanged(st DeviceStatus) error {
	return s.coordinate(func(c *Coordinator) error {
		c.deviceStatusChanged(st)
		return nil
	})
}

// ClccResponse delivers one entry of a call list requested through
// SystemInterface.ListCurrentCalls. An entry with ID 0 ends the list.
func (s *Service) ClccResponse(dev hfp.Device, entry call.Call) error {
	m, err := s.machine(dev)
	if err != nil {
		return err
	}
	if !m.post(func() { m.clccResponse(entry) }) {
		return hfp.ErrClosed
	}
	return nil
}

// SendVendorResult sends a vendor specific result code registered for
// vendorID.
func (s *Service) SendVendorResult(dev hfp.Device, vendorID int, result string) error {
	return s.call(dev, func(m *Machine) error { return m.sendVendorResult(vendorID, result) })
}

func (s *Service) SetVolume(dev hfp.Device, t hfp.VolumeType, level int) error {
	return s.call(dev, func(m *Machine) error { return m.setVolume(t, level) })
}

// SetInBandRing changes in-band ringing and tells connected headsets.
func (s *Service) SetInBandRing(on bool) error {
	return s.coordinate(func(c *Coordinator) error {
		c.setInBandRing(on)
		return nil
	})
}

// SetForceSco lets audio open regardless of call state.
func (s *Service) SetForceSco(on bool) {
	s.coord.update(func(p *policy) { p.forceSco = on })
	s.log.WithField("force_sco", on).Info("forced audio changed")
}

func (s *Service) SetAudioRouteAllowed(allowed bool) {
	s.coord.update(func(p *policy) { p.routeAllowed = allowed })
	s.log.WithField("allowed", allowed).Info("audio route permission changed")
}

func (s *Service) AudioRouteAllowed() bool {
	return s.coord.snapshot().routeAllowed
}

// DeviceState is a snapshot of one headset.
type DeviceState struct {
	Device     hfp.Device
	Connection hfp.ConnectionState
	Audio      hfp.AudioState
	Codec      hfp.Codec
	Active     bool
	Features   uint32
	NREC       bool
	Speaker    int
	Microphone int
}

func (s *Service) State(dev hfp.Device) (DeviceState, error) {
	var st DeviceState
	active := s.ActiveDevice() == dev
	err := s.call(dev, func(m *Machine) error {
		st = DeviceState{
			Device:     dev,
			Connection: m.link.Connection(),
			Audio:      m.link.Audio(),
			Codec:      m.link.Codec(),
			Active:     active,
			Features:   m.hfFeatures,
			NREC:       m.nrec,
			Speaker:    m.volumes[hfp.VolumeSpeaker],
			Microphone: m.volumes[hfp.VolumeMicrophone],
		}
		return nil
	})
	return st, err
}

func (s *Service) Devices() []hfp.Device {
	return s.machines.Devices()
}

// Cleanup removes the machine of a disconnected device.
func (s *Service) Cleanup(dev hfp.Device) error {
	m, err := s.machine(dev)
	if err != nil {
		return err
	}
	if !s.retire(dev, m) {
		if _, ok := s.machines.Get(dev); !ok {
			return hfp.ErrUnknownDevice
		}
		return hfp.ErrInvalidState
	}
	return nil
}
