package ag

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"hfpd/hfp"
)

// Mode is the audio mode of the gateway. At most one is active.
type Mode int

const (
	ModeNone Mode = iota
	ModeTelecom
	ModeVirtualCall
	ModeVoiceRecognition
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeTelecom:
		return "telecom"
	case ModeVirtualCall:
		return "virtual_call"
	case ModeVoiceRecognition:
		return "voice_recognition"
	}
	return "unknown"
}

// session reports whether the mode is bound to one headset.
func (m Mode) session() bool {
	return m == ModeVirtualCall || m == ModeVoiceRecognition
}

type coordTimer int

const (
	timerDialOut coordTimer = iota
	timerVoiceRecognition
)

// coordinatorQueueSize bounds the coordinator inbox. Machine loops post here
// and never wait, so it is sized well above the machine limit.
const coordinatorQueueSize = 1024

// policy is the session state read by machine loops.
type policy struct {
	active       hfp.Device
	mode         Mode
	modeDevice   hfp.Device
	forceSco     bool
	routeAllowed bool
	inBandRing   bool
	phone        PhoneState
	status       DeviceStatus
	lastDialed   string
}

// Coordinator owns the gateway session: the active device, the audio mode
// and the pending dial-out and voice recognition requests. It runs on its
// own loop; it may wait on machine loops but machines only post to it.
type Coordinator struct {
	cfg      Config
	log      *logrus.Entry
	loop     *hfp.Loop
	timers   *hfp.Timers[coordTimer]
	machines *hfp.Registry[*Machine]
	system   SystemInterface
	notifier hfp.Notifier

	mu  sync.RWMutex
	pol policy

	dialingOut hfp.Device
	vrPending  hfp.Device
}

func newCoordinator(cfg Config, machines *hfp.Registry[*Machine], system SystemInterface, n hfp.Notifier, clock hfp.Clock, log *logrus.Entry) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		log:      log.WithField("component", "coordinator"),
		loop:     hfp.NewLoop(coordinatorQueueSize),
		machines: machines,
		system:   system,
		notifier: n,
		pol: policy{
			forceSco:     cfg.ForceSco,
			routeAllowed: cfg.AudioRouteAllowed,
			inBandRing:   cfg.InBandRing,
		},
	}
	c.timers = hfp.NewTimers[coordTimer](clock, c.loop.Post)
	return c
}

func (c *Coordinator) start() { c.loop.Start() }

func (c *Coordinator) stop() {
	c.loop.Do(func() { c.timers.CancelAll() })
	c.loop.Stop()
}

func (c *Coordinator) post(fn func()) bool { return c.loop.Post(fn) }

func (c *Coordinator) exec(fn func() error) error {
	var err error
	if !c.loop.Do(func() { err = fn() }) {
		return hfp.ErrClosed
	}
	return err
}

func (c *Coordinator) snapshot() policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pol
}

func (c *Coordinator) update(fn func(p *policy)) {
	c.mu.Lock()
	fn(&c.pol)
	c.mu.Unlock()
}

// scoAcceptable decides whether audio may be opened to dev.
func (c *Coordinator) scoAcceptable(dev hfp.Device) error {
	p := c.snapshot()
	switch {
	case dev != p.active:
		return hfp.ErrNotActive
	case p.forceSco:
		return nil
	case !p.routeAllowed:
		return hfp.ErrAudioRouteBlocked
	case p.phone.InCall(), p.mode.session():
		return nil
	case p.phone.Ringing() && p.inBandRing:
		return nil
	}
	return hfp.ErrNotInCall
}

func (c *Coordinator) machine(dev hfp.Device) (*Machine, error) {
	m, ok := c.machines.Get(dev)
	if !ok {
		return nil, hfp.ErrUnknownDevice
	}
	return m, nil
}

// on runs fn on the loop of m and waits for it.
func (c *Coordinator) on(m *Machine, fn func() error) error {
	var err error
	if derr := m.do(func() { err = fn() }); derr != nil {
		return derr
	}
	return err
}

// result posts fn into the loop of dev, if it still has a machine.
func (c *Coordinator) result(dev hfp.Device, fn func(m *Machine)) {
	if m, ok := c.machines.Get(dev); ok {
		m.post(func() { fn(m) })
	}
}

// setActiveDevice makes dev the active device; an empty dev clears it. The
// audio of the previous active device is taken down first and the change is
// abandoned if that fails.
func (c *Coordinator) setActiveDevice(dev hfp.Device) error {
	p := c.snapshot()
	if dev == p.active {
		return nil
	}
	var next *Machine
	if dev != "" {
		m, err := c.machine(dev)
		if err != nil {
			return err
		}
		if err := c.on(m, m.linked); err != nil {
			return err
		}
		next = m
	}
	if p.active != "" {
		if prev, ok := c.machines.Get(p.active); ok {
			err := c.on(prev, prev.disconnectAudio)
			if err != nil && !errors.Is(err, hfp.ErrNotConnected) {
				c.log.WithError(err).WithFields(logrus.Fields{
					"previous": p.active,
					"device":   dev,
				}).Warn("could not take audio down on previous active device")
				return fmt.Errorf("ag: disconnect audio of %s: %w", p.active, err)
			}
		}
		if p.mode.session() && p.modeDevice != dev {
			c.endSession(false)
		}
	}
	c.update(func(p *policy) { p.active = dev })
	c.log.WithFields(logrus.Fields{"previous": p.active, "device": dev}).Info("active device changed")
	c.notifier.Notify(hfp.ActiveDeviceChanged{Device: dev})
	if next == nil {
		return nil
	}
	c.on(next, func() error {
		next.activate()
		return nil
	})
	if p.phone.InCall() {
		if err := c.on(next, next.connectAudio); err != nil {
			c.log.WithError(err).WithField("device", dev).Warn("could not move call audio")
		}
	}
	return nil
}

func (c *Coordinator) setMode(mode Mode, dev hfp.Device) {
	p := c.snapshot()
	if p.mode == mode && p.modeDevice == dev {
		return
	}
	c.update(func(p *policy) { p.mode, p.modeDevice = mode, dev })
	c.log.WithFields(logrus.Fields{"mode": mode, "device": dev, "previous": p.mode}).Info("audio mode changed")
	if p.mode == ModeVoiceRecognition {
		c.notifier.Notify(hfp.VoiceRecognitionChanged{Device: p.modeDevice, Active: false})
	}
	if mode == ModeVoiceRecognition {
		c.notifier.Notify(hfp.VoiceRecognitionChanged{Device: dev, Active: true})
	}
	c.notifier.Notify(hfp.AudioModeChanged{Device: dev, Mode: mode.String()})
}

// endSession ends a virtual call or voice recognition session, restoring
// the headset's view of the phone. With disconnect the session audio is
// taken down too.
func (c *Coordinator) endSession(disconnect bool) {
	p := c.snapshot()
	if !p.mode.session() {
		return
	}
	c.setMode(ModeNone, "")
	if p.mode == ModeVoiceRecognition {
		c.system.DeactivateVoiceRecognition()
	}
	m, ok := c.machines.Get(p.modeDevice)
	if !ok {
		return
	}
	err := c.on(m, func() error {
		if p.mode == ModeVoiceRecognition {
			m.stopVoiceRecognition()
		} else {
			m.endVirtualCall(c.snapshot().phone)
		}
		if disconnect {
			return m.disconnectAudio()
		}
		return nil
	})
	if err != nil && !errors.Is(err, hfp.ErrNotConnected) {
		c.log.WithError(err).WithField("device", p.modeDevice).Warn("could not take session audio down")
	}
}

// clearStale stops a session found on another device than dev. Requests
// are serialized, so this only happens when a stop went missing.
func (c *Coordinator) clearStale(dev hfp.Device) {
	p := c.snapshot()
	if p.mode.session() && p.modeDevice != dev {
		c.log.WithFields(logrus.Fields{
			"mode":   p.mode,
			"device": p.modeDevice,
			"wanted": dev,
		}).Error("stale audio mode active on another device, stopping it")
		c.endSession(true)
	}
}

func (c *Coordinator) resolve(dev hfp.Device) (hfp.Device, *Machine, error) {
	p := c.snapshot()
	if dev == "" {
		dev = p.active
	}
	if dev == "" || dev != p.active {
		return dev, nil, hfp.ErrNotActive
	}
	m, err := c.machine(dev)
	return dev, m, err
}

func (c *Coordinator) startVirtualCall(dev hfp.Device) error {
	dev, m, err := c.resolve(dev)
	if err != nil {
		return err
	}
	p := c.snapshot()
	if !p.phone.Idle() {
		return hfp.ErrBusy
	}
	c.clearStale(dev)
	switch c.snapshot().mode {
	case ModeVirtualCall:
		return nil
	case ModeVoiceRecognition:
		c.endSession(false)
	}
	c.setMode(ModeVirtualCall, dev)
	if err := c.on(m, m.beginVirtualCall); err != nil {
		c.setMode(ModeNone, "")
		return err
	}
	if err := c.on(m, m.connectAudio); err != nil {
		c.log.WithError(err).WithField("device", dev).Warn("virtual call without audio")
	}
	return nil
}

func (c *Coordinator) stopVirtualCall(dev hfp.Device) error {
	p := c.snapshot()
	if p.mode != ModeVirtualCall || (dev != "" && dev != p.modeDevice) {
		return hfp.ErrInvalidState
	}
	c.endSession(true)
	return nil
}

func (c *Coordinator) startVoiceRecognition(dev hfp.Device) error {
	dev, m, err := c.resolve(dev)
	if err != nil {
		return err
	}
	if c.snapshot().phone.InCall() {
		return hfp.ErrBusy
	}
	c.clearStale(dev)
	switch c.snapshot().mode {
	case ModeVoiceRecognition:
		return nil
	case ModeVirtualCall:
		c.endSession(false)
	}
	if c.vrPending == dev {
		// The headset asked first; its AT+BVRA is answered now.
		c.timers.Cancel(timerVoiceRecognition)
		c.vrPending = ""
		c.setMode(ModeVoiceRecognition, dev)
		return c.on(m, func() error {
			m.voiceRecognitionResult(true)
			return m.connectAudio()
		})
	}
	c.setMode(ModeVoiceRecognition, dev)
	if err := c.on(m, m.startVoiceRecognition); err != nil {
		c.setMode(ModeNone, "")
		return err
	}
	if err := c.on(m, m.connectAudio); err != nil {
		c.log.WithError(err).WithField("device", dev).Warn("voice recognition without audio")
	}
	return nil
}

func (c *Coordinator) stopVoiceRecognition(dev hfp.Device) error {
	p := c.snapshot()
	if p.mode != ModeVoiceRecognition || (dev != "" && dev != p.modeDevice) {
		return hfp.ErrInvalidState
	}
	c.endSession(true)
	return nil
}

// voiceRecognitionRequested handles AT+BVRA=1. The voice assistant has
// VoiceRecognitionTimeout to call startVoiceRecognition, otherwise the
// headset gets an error.
func (c *Coordinator) voiceRecognitionRequested(dev hfp.Device) {
	fail := func(reason string) {
		c.log.WithFields(logrus.Fields{"device": dev, "reason": reason}).Info("voice recognition refused")
		c.result(dev, func(m *Machine) { m.voiceRecognitionResult(false) })
	}
	p := c.snapshot()
	switch {
	case p.phone.InCall():
		fail("call in progress")
		return
	case p.mode == ModeVoiceRecognition && p.modeDevice == dev:
		c.result(dev, func(m *Machine) { m.voiceRecognitionResult(true) })
		return
	case c.vrPending != "":
		fail("another request is pending")
		return
	}
	if dev != p.active {
		if err := c.setActiveDevice(dev); err != nil {
			fail(err.Error())
			return
		}
	}
	if !c.system.ActivateVoiceRecognition() {
		fail("voice assistant unavailable")
		return
	}
	c.vrPending = dev
	c.timers.Start(timerVoiceRecognition, c.cfg.VoiceRecognitionTimeout, func() {
		c.vrPending = ""
		c.log.WithField("device", dev).Warn("voice recognition did not start in time")
		c.result(dev, func(m *Machine) { m.voiceRecognitionResult(false) })
	})
}

// voiceRecognitionStopRequested handles AT+BVRA=0.
func (c *Coordinator) voiceRecognitionStopRequested(dev hfp.Device) {
	if c.vrPending == dev {
		c.timers.Cancel(timerVoiceRecognition)
		c.vrPending = ""
		c.system.DeactivateVoiceRecognition()
		c.result(dev, func(m *Machine) { m.voiceRecognitionResult(true) })
		return
	}
	p := c.snapshot()
	if p.mode != ModeVoiceRecognition || p.modeDevice != dev {
		c.result(dev, func(m *Machine) { m.voiceRecognitionResult(false) })
		return
	}
	c.setMode(ModeNone, "")
	c.system.DeactivateVoiceRecognition()
	c.result(dev, func(m *Machine) {
		m.voiceRecognitionResult(true)
		if err := m.disconnectAudio(); err != nil {
			m.log.WithError(err).Debug("no audio to take down")
		}
	})
}

// dialOut places a call requested by dev. The headset is answered once the
// phone reports the call dialing, or with an error after DialOutTimeout.
func (c *Coordinator) dialOut(dev hfp.Device, number string) {
	log := c.log.WithFields(logrus.Fields{"device": dev, "number": number})
	if c.dialingOut != "" {
		log.Warn("dial-out already in progress")
		c.result(dev, func(m *Machine) { m.dialResult(false) })
		return
	}
	if c.snapshot().mode == ModeVirtualCall {
		c.endSession(true)
	}
	if !c.system.Dial(dev, number) {
		log.Warn("telephony refused the dial")
		c.result(dev, func(m *Machine) { m.dialResult(false) })
		return
	}
	log.Info("dialing out")
	c.dialingOut = dev
	c.update(func(p *policy) { p.lastDialed = number })
	c.timers.Start(timerDialOut, c.cfg.DialOutTimeout, func() {
		c.dialingOut = ""
		log.Warn("dial-out timed out")
		c.result(dev, func(m *Machine) { m.dialResult(false) })
	})
}

// phoneStateChanged applies a telephony update: it settles a pending
// dial-out, lets a call take over from a session, forwards the state to the
// headsets and moves audio with the call.
func (c *Coordinator) phoneStateChanged(ps PhoneState) {
	prev := c.snapshot()
	c.update(func(p *policy) { p.phone = ps })
	c.log.WithField("phone", ps).Debug("phone state changed")

	if c.dialingOut != "" && (ps.Setup == CallSetupDialing || ps.Setup == CallSetupAlerting) {
		dev := c.dialingOut
		c.dialingOut = ""
		c.timers.Cancel(timerDialOut)
		c.result(dev, func(m *Machine) { m.dialResult(true) })
	}
	if !ps.Idle() && c.vrPending != "" {
		dev := c.vrPending
		c.vrPending = ""
		c.timers.Cancel(timerVoiceRecognition)
		c.result(dev, func(m *Machine) { m.voiceRecognitionResult(false) })
	}

	switch {
	case !ps.Idle() && prev.mode != ModeTelecom:
		if prev.mode.session() {
			c.log.WithField("mode", prev.mode).Info("call takes over audio session")
			c.endSession(false)
		}
		c.setMode(ModeTelecom, prev.active)
	case ps.Idle() && prev.mode == ModeTelecom:
		c.setMode(ModeNone, "")
	}

	c.machines.Each(func(_ hfp.Device, m *Machine) {
		m.post(func() { m.phoneStateChanged(ps) })
	})

	if prev.active == "" {
		return
	}
	m, ok := c.machines.Get(prev.active)
	if !ok {
		return
	}
	switch {
	case ps.InCall() || (ps.Ringing() && prev.inBandRing):
		err := c.on(m, func() error {
			if m.link.Audio() != hfp.AudioDisconnected {
				return nil
			}
			return m.connectAudio()
		})
		if err != nil {
			c.log.WithError(err).WithField("device", prev.active).Warn("could not bring audio up for call")
		}
	case ps.Idle() && prev.mode == ModeTelecom:
		if err := c.on(m, m.disconnectAudio); err != nil && !errors.Is(err, hfp.ErrNotConnected) {
			c.log.WithError(err).WithField("device", prev.active).Warn("could not take call audio down")
		}
	}
}

func (c *Coordinator) deviceStatusChanged(st DeviceStatus) {
	c.update(func(p *policy) { p.status = st })
	c.machines.Each(func(_ hfp.Device, m *Machine) {
		m.post(func() { m.deviceStatusChanged(st) })
	})
}

func (c *Coordinator) setInBandRing(on bool) {
	c.update(func(p *policy) { p.inBandRing = on })
	c.machines.Each(func(_ hfp.Device, m *Machine) {
		m.post(func() { m.setInBandRing(on) })
	})
}

// onConnectionChanged follows machine connection changes: the first
// connected headset becomes active, and a disconnected one drops its
// session and pending requests.
func (c *Coordinator) onConnectionChanged(dev hfp.Device, state hfp.ConnectionState) {
	p := c.snapshot()
	switch state {
	case hfp.ConnectionConnected:
		if p.active == "" {
			if err := c.setActiveDevice(dev); err != nil {
				c.log.WithError(err).WithField("device", dev).Warn("could not activate connected device")
			}
		}
	case hfp.ConnectionDisconnected:
		if c.dialingOut == dev {
			c.dialingOut = ""
			c.timers.Cancel(timerDialOut)
		}
		if c.vrPending == dev {
			c.vrPending = ""
			c.timers.Cancel(timerVoiceRecognition)
		}
		if p.mode.session() && p.modeDevice == dev {
			if p.mode == ModeVoiceRecognition {
				c.system.DeactivateVoiceRecognition()
			}
			c.setMode(ModeNone, "")
		}
		if p.active == dev {
			c.update(func(p *policy) { p.active = "" })
			c.log.WithField("device", dev).Info("active device disconnected")
			c.notifier.Notify(hfp.ActiveDeviceChanged{})
		}
	}
}

// onAudioChanged ends a session whose audio went away.
func (c *Coordinator) onAudioChanged(dev hfp.Device, state hfp.AudioState) {
	p := c.snapshot()
	if state != hfp.AudioDisconnected || !p.mode.session() || p.modeDevice != dev {
		return
	}
	c.log.WithFields(logrus.Fields{"device": dev, "mode": p.mode}).Info("session audio dropped, ending session")
	c.endSession(false)
}
