// Package client implements the hands-free (headset client) role: one state
// machine per connected audio gateway, mirroring and controlling its calls.
package client

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"hfpd/call"
	"hfpd/hfp"
)

// Config holds the timing and policy knobs of the hands-free role.
type Config struct {
	LinkTimeout  time.Duration
	AudioTimeout time.Duration

	// ClccPollDuringCall keeps polling the call list while any call exists.
	ClccPollDuringCall       bool
	ClccPollInterval         time.Duration
	ClccOutgoingPollInterval time.Duration
	ClccResponseTimeout      time.Duration
	OutgoingCallTimeout      time.Duration

	AudioRouteAllowed bool
	AudioPolicy       AudioPolicy
}

// DefaultConfig returns the default hands-free configuration.
func DefaultConfig() Config {
	return Config{
		LinkTimeout:              10 * time.Second,
		AudioTimeout:             10 * time.Second,
		ClccPollInterval:         2 * time.Second,
		ClccOutgoingPollInterval: 500 * time.Millisecond,
		ClccResponseTimeout:      5 * time.Second,
		OutgoingCallTimeout:      10 * time.Second,
		AudioRouteAllowed:        true,
	}
}

// Options wires a Service to its collaborators. Nil collaborators get
// permissive defaults.
type Options struct {
	Config   Config
	Native   Native
	Notifier hfp.Notifier
	Audio    hfp.AudioManager
	Policy   hfp.ConnectionPolicy
	Clock    hfp.Clock
	Log      *logrus.Entry
}

// Service owns the hands-free state machines and routes stack events and API
// requests to them.
type Service struct {
	env      *env
	log      *logrus.Entry
	machines *hfp.Registry[*Machine]

	mu           sync.RWMutex
	started      bool
	closed       bool
	routeAllowed bool
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
	}
	s.env = &env{
		cfg:          o.Config,
		native:       o.Native,
		notifier:     o.Notifier,
		audio:        o.Audio,
		policy:       o.Policy,
		clock:        o.Clock,
		routeAllowed: s.AudioRouteAllowed,
	}
	return s
}

// Start enables the service and initialises the audio route from the
// configuration.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.routeAllowed = s.env.cfg.AudioRouteAllowed
	s.log.WithField("audio_route_allowed", s.routeAllowed).Info("hands-free service started")
}

// Close stops every machine. Requests afterwards fail with hfp.ErrClosed.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.routeAllowed = false
	s.mu.Unlock()

	s.machines.Each(func(dev hfp.Device, m *Machine) {
		m.stop()
		s.machines.Remove(dev)
	})
	s.log.Info("hands-free service stopped")
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

// AudioRouteAllowed reports whether gateway audio may be routed to us.
func (s *Service) AudioRouteAllowed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.routeAllowed
}

// SetAudioRouteAllowed changes the audio route permission. Established audio
// is left alone; new audio connections are refused while disallowed.
func (s *Service) SetAudioRouteAllowed(allowed bool) {
	s.mu.Lock()
	s.routeAllowed = allowed
	s.mu.Unlock()
	s.log.WithField("allowed", allowed).Info("audio route permission changed")
}

// errRetired reports a request that reached a machine after it was dropped.
var errRetired = errors.New("client: state machine retired")

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
		if !s.env.policy.Allowed(dev) {
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
	if !s.env.policy.Allowed(dev) {
		s.log.WithField("device", dev).Info("connection policy forbids device")
		return hfp.ErrPolicyForbidden
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

func (s *Service) Disconnect(dev hfp.Device) error {
	return s.call(dev, (*Machine).disconnect)
}

func (s *Service) ConnectAudio(dev hfp.Device) error {
	return s.call(dev, (*Machine).connectAudio)
}

func (s *Service) DisconnectAudio(dev hfp.Device) error {
	return s.call(dev, (*Machine).disconnectAudio)
}

func (s *Service) AcceptCall(dev hfp.Device, flag AcceptFlag) error {
	return s.call(dev, func(m *Machine) error { return m.acceptCall(flag) })
}

func (s *Service) RejectCall(dev hfp.Device) error {
	return s.call(dev, (*Machine).rejectCall)
}

func (s *Service) HoldCall(dev hfp.Device) error {
	return s.call(dev, (*Machine).holdCall)
}

func (s *Service) TerminateCall(dev hfp.Device) error {
	return s.call(dev, (*Machine).terminateCall)
}

// EnterPrivateMode splits call id out of a multiparty call.
func (s *Service) EnterPrivateMode(dev hfp.Device, id int) error {
	return s.call(dev, func(m *Machine) error { return m.enterPrivateMode(id) })
}

func (s *Service) ExplicitCallTransfer(dev hfp.Device) error {
	return s.call(dev, (*Machine).explicitCallTransfer)
}

// Dial calls number through dev; an empty number redials. The returned call
// carries the sentinel id until the gateway reports its own.
func (s *Service) Dial(dev hfp.Device, number string) (call.Call, error) {
	var c call.Call
	err := s.call(dev, func(m *Machine) error {
		var err error
		c, err = m.dial(number)
		return err
	})
	return c, err
}

func (s *Service) SendDTMF(dev hfp.Device, code byte) error {
	return s.call(dev, func(m *Machine) error { return m.sendDTMF(code) })
}

// SendVendorAT sends a vendor specific AT command registered for vendorID.
func (s *Service) SendVendorAT(dev hfp.Device, vendorID int, cmd string) error {
	return s.call(dev, func(m *Machine) error { return m.sendVendorAT(vendorID, cmd) })
}

func (s *Service) SetVolume(dev hfp.Device, t hfp.VolumeType, level int) error {
	return s.call(dev, func(m *Machine) error { return m.setVolume(t, level) })
}

func (s *Service) StartVoiceRecognition(dev hfp.Device) error {
	return s.call(dev, (*Machine).startVoiceRecognition)
}

func (s *Service) StopVoiceRecognition(dev hfp.Device) error {
	return s.call(dev, (*Machine).stopVoiceRecognition)
}

// SetAudioPolicy sends p to the gateway. The policy is remembered and sent
// again on the next connection once the gateway advertises support.
func (s *Service) SetAudioPolicy(dev hfp.Device, p AudioPolicy) error {
	return s.call(dev, func(m *Machine) error { return m.setAudioPolicy(p) })
}

// DeviceState is a snapshot of one machine.
type DeviceState struct {
	Device     hfp.Device
	Connection hfp.ConnectionState
	Audio      hfp.AudioState
	Codec      hfp.Codec
	Calls      []call.Call
	VR         bool
	Operator   string
}

// State returns a snapshot of dev.
func (s *Service) State(dev hfp.Device) (DeviceState, error) {
	var st DeviceState
	err := s.call(dev, func(m *Machine) error {
		st = DeviceState{
			Device:     dev,
			Connection: m.link.Connection(),
			Audio:      m.link.Audio(),
			Codec:      m.link.Codec(),
			Calls:      m.snapshot(),
			VR:         m.vr,
			Operator:   m.operator,
		}
		return nil
	})
	return st, err
}

// Calls returns the calls tracked for dev ordered by id.
func (s *Service) Calls(dev hfp.Device) ([]call.Call, error) {
	st, err := s.State(dev)
	return st.Calls, err
}

// Devices returns the devices with a state machine.
func (s *Service) Devices() []hfp.Device {
	return s.machines.Devices()
}

// Cleanup removes the machine of a disconnected device with no calls.
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
