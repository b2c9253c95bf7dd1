package ag

import (
	"github.com/sirupsen/logrus"

	"hfpd/hfp"
)

type timerKey int

const (
	timerLink timerKey = iota
	timerAudio
	timerClcc
)

func (k timerKey) String() string {
	switch k {
	case timerLink:
		return "link"
	case timerAudio:
		return "audio"
	case timerClcc:
		return "clcc"
	}
	return "unknown"
}

type request int

const (
	reqConnect request = iota
	reqDisconnect
	reqConnectAudio
	reqDisconnectAudio
)

func (r request) String() string {
	switch r {
	case reqConnect:
		return "connect"
	case reqDisconnect:
		return "disconnect"
	case reqConnectAudio:
		return "connect_audio"
	case reqDisconnectAudio:
		return "disconnect_audio"
	}
	return "unknown"
}

// env holds what every machine of a service shares.
type env struct {
	cfg      Config
	native   Native
	system   SystemInterface
	notifier hfp.Notifier
	audio    hfp.AudioManager
	clock    hfp.Clock
	coord    *Coordinator
	// admit decides whether dev may take a connection slot.
	admit func(dev hfp.Device) error
}

// Machine is the gateway state machine of one headset. All of its state is
// owned by its loop.
type Machine struct {
	dev    hfp.Device
	env    *env
	log    *logrus.Entry
	loop   *hfp.Loop
	timers *hfp.Timers[timerKey]
	link   *hfp.Link

	deferred hfp.Deferred[request]
	routed   bool
	retries  int

	hfFeatures   uint32
	hfIndicators map[int]bool
	nrec         bool
	volumes      map[hfp.VolumeType]int

	// AT commands answered once the coordinator reports back.
	awaitDial   bool
	awaitVR     bool
	clccPending bool

	// retired is set once the service has dropped the machine.
	retired bool
}

func newMachine(dev hfp.Device, e *env, log *logrus.Entry) *Machine {
	m := &Machine{
		dev:          dev,
		env:          e,
		log:          log.WithField("device", dev),
		loop:         hfp.NewLoop(hfp.DefaultQueueSize),
		hfIndicators: make(map[int]bool),
		volumes:      make(map[hfp.VolumeType]int),
	}
	m.timers = hfp.NewTimers[timerKey](e.clock, m.loop.Post)
	m.link = hfp.NewLink(dev, e.notifier, m.log)
	m.loop.Start()
	return m
}

func (m *Machine) post(fn func()) bool {
	return m.loop.Post(func() {
		fn()
		m.replay()
	})
}

func (m *Machine) do(fn func()) error {
	if !m.loop.Do(func() {
		fn()
		m.replay()
	}) {
		return hfp.ErrClosed
	}
	return nil
}

// idle reports whether the machine holds no link and no pending work.
func (m *Machine) idle() bool {
	return m.link.State() == hfp.StateDisconnected && m.deferred.Len() == 0 &&
		!m.awaitDial && !m.awaitVR && !m.clccPending
}

func (m *Machine) stop() {
	m.loop.Do(func() { m.timers.CancelAll() })
	m.loop.Stop()
}

func (m *Machine) transition(to hfp.State) {
	from := m.link.TransitionTo(to)
	switch from {
	case hfp.StateConnecting, hfp.StateDisconnecting:
		m.timers.Cancel(timerLink)
	case hfp.StateAudioConnecting, hfp.StateAudioDisconnecting:
		m.timers.Cancel(timerAudio)
	}
	switch to {
	case hfp.StateAudioOn:
		if from == hfp.StateAudioConnecting {
			m.retries = 0
		}
		m.route(true)
	case hfp.StateConnected, hfp.StateDisconnecting:
		m.route(false)
	case hfp.StateDisconnected:
		m.route(false)
		m.reset()
	}
}

func (m *Machine) route(on bool) {
	if m.routed == on {
		return
	}
	m.routed = on
	m.env.audio.SetScoRouted(m.dev, on, m.link.Codec())
}

func (m *Machine) reset() {
	m.timers.Cancel(timerClcc)
	m.retries = 0
	m.hfFeatures = 0
	m.hfIndicators = make(map[int]bool)
	m.nrec = false
	m.awaitDial, m.awaitVR, m.clccPending = false, false, false
}

func (m *Machine) replay() {
	for m.link.State().Stable() {
		r, ok := m.deferred.Pop()
		if !ok {
			return
		}
		m.log.WithField("request", r).Debug("replaying deferred request")
		if err := m.handle(r); err != nil {
			m.log.WithError(err).WithField("request", r).Warn("deferred request failed")
		}
	}
}

func (m *Machine) handle(r request) error {
	switch r {
	case reqConnect:
		return m.connect()
	case reqDisconnect:
		return m.disconnect()
	case reqConnectAudio:
		return m.connectAudio()
	case reqDisconnectAudio:
		return m.disconnectAudio()
	}
	return nil
}

func (m *Machine) postpone(r request) {
	m.log.WithFields(logrus.Fields{"request": r, "state": m.link.State()}).Debug("deferring request")
	m.deferred.Push(r)
}

func (m *Machine) startLinkTimer() {
	m.timers.Start(timerLink, m.env.cfg.LinkTimeout, func() {
		m.linkTimeout()
		m.replay()
	})
}

func (m *Machine) startAudioTimer() {
	m.timers.Start(timerAudio, m.env.cfg.AudioTimeout, func() {
		m.audioTimeout()
		m.replay()
	})
}

func (m *Machine) connect() error {
	switch m.link.State() {
	case hfp.StateDisconnected:
		if !m.env.native.Connect(m.dev) {
			m.log.Warn("native connect rejected")
			m.link.RejectConnection()
			return hfp.ErrLinkRejected
		}
		m.transition(hfp.StateConnecting)
		m.startLinkTimer()
	case hfp.StateDisconnecting:
		m.postpone(reqConnect)
	}
	return nil
}

// disconnect drops the service level connection. With audio up, the audio
// goes first and the disconnect is replayed once it is down.
func (m *Machine) disconnect() error {
	switch m.link.State() {
	case hfp.StateDisconnected:
		return hfp.ErrNotConnected
	case hfp.StateConnecting, hfp.StateAudioConnecting, hfp.StateAudioDisconnecting:
		m.postpone(reqDisconnect)
	case hfp.StateAudioOn:
		if err := m.disconnectAudio(); err != nil {
			return err
		}
		m.postpone(reqDisconnect)
	case hfp.StateConnected:
		if !m.env.native.Disconnect(m.dev) {
			m.log.Warn("native disconnect rejected")
			m.link.RejectConnection()
			return hfp.ErrLinkRejected
		}
		m.transition(hfp.StateDisconnecting)
		m.startLinkTimer()
	}
	return nil
}

func (m *Machine) connectAudio() error {
	switch m.link.State() {
	case hfp.StateDisconnected, hfp.StateDisconnecting:
		return hfp.ErrNotConnected
	case hfp.StateConnecting, hfp.StateAudioDisconnecting:
		m.postpone(reqConnectAudio)
	case hfp.StateConnected:
		if err := m.env.coord.scoAcceptable(m.dev); err != nil {
			m.log.WithError(err).Info("audio not acceptable, rejecting audio connect")
			m.link.RejectAudio()
			return err
		}
		if !m.env.native.ConnectAudio(m.dev) {
			m.log.Warn("native audio connect rejected")
			m.link.RejectAudio()
			return hfp.ErrLinkRejected
		}
		m.transition(hfp.StateAudioConnecting)
		m.startAudioTimer()
	}
	return nil
}

func (m *Machine) disconnectAudio() error {
	switch m.link.State() {
	case hfp.StateDisconnected, hfp.StateDisconnecting:
		return hfp.ErrNotConnected
	case hfp.StateConnecting, hfp.StateAudioConnecting:
		m.postpone(reqDisconnectAudio)
	case hfp.StateAudioOn:
		if !m.env.native.DisconnectAudio(m.dev) {
			m.log.Warn("native audio disconnect rejected")
			m.link.RejectAudio()
			return hfp.ErrLinkRejected
		}
		m.transition(hfp.StateAudioDisconnecting)
		m.startAudioTimer()
	}
	return nil
}

func (m *Machine) linkTimeout() {
	switch m.link.State() {
	case hfp.StateConnecting:
		m.log.Warn("connect timed out")
		m.env.native.Disconnect(m.dev)
		m.transition(hfp.StateDisconnected)
	case hfp.StateDisconnecting:
		m.log.Warn("disconnect timed out, forcing disconnected")
		m.transition(hfp.StateDisconnected)
	}
}

// audioTimeout handles a stuck SCO change. An audio disconnect is retried
// from AudioOn up to AudioDisconnectRetries times, then the whole service
// level connection is dropped.
func (m *Machine) audioTimeout() {
	switch m.link.State() {
	case hfp.StateAudioConnecting:
		m.log.Warn("audio connect timed out")
		m.env.native.DisconnectAudio(m.dev)
		m.transition(hfp.StateConnected)
	case hfp.StateAudioDisconnecting:
		if m.retries >= m.env.cfg.AudioDisconnectRetries {
			m.log.WithField("retries", m.retries).Error("audio disconnect stuck, dropping the connection")
			m.retries = 0
			m.env.native.Disconnect(m.dev)
			m.transition(hfp.StateDisconnecting)
			m.startLinkTimer()
			return
		}
		m.retries++
		m.log.WithField("retry", m.retries).Warn("audio disconnect timed out, retrying")
		m.transition(hfp.StateAudioOn)
		if err := m.disconnectAudio(); err != nil {
			m.log.WithError(err).Warn("audio disconnect retry failed")
		}
	}
}

func (m *Machine) handleEvent(ev StackEvent) {
	switch e := ev.(type) {
	case ConnectionEvent:
		m.onConnection(e)
		return
	case AudioEvent:
		m.onAudio(e)
		return
	}
	// Indicator and codec setup arrive before the service level connection
	// is complete.
	if st := m.link.State(); !st.Linked() && st != hfp.StateConnecting {
		m.log.WithField("event", ev).Debug("ignoring command without connection")
		return
	}
	m.onCommand(ev)
}

func (m *Machine) onConnection(e ConnectionEvent) {
	st := m.link.State()
	m.log.WithFields(logrus.Fields{"link": e.State, "state": st}).Debug("link state event")
	switch e.State {
	case LinkDisconnected:
		if st != hfp.StateDisconnected {
			m.transition(hfp.StateDisconnected)
		}
	case LinkConnecting, LinkConnected:
		if st == hfp.StateDisconnected {
			m.acceptIncoming()
		}
	case LinkSLCConnected:
		switch st {
		case hfp.StateDisconnected:
			if !m.acceptIncoming() {
				return
			}
			fallthrough
		case hfp.StateConnecting:
			m.hfFeatures = e.Features
			m.transition(hfp.StateConnected)
			m.serviceLevelConnected()
		}
	case LinkDisconnecting:
		switch st {
		case hfp.StateAudioConnecting:
			m.transition(hfp.StateConnected)
			fallthrough
		case hfp.StateConnected, hfp.StateAudioOn, hfp.StateAudioDisconnecting:
			m.transition(hfp.StateDisconnecting)
			m.startLinkTimer()
		}
	}
}

func (m *Machine) acceptIncoming() bool {
	if err := m.env.admit(m.dev); err != nil {
		m.log.WithError(err).Info("refusing incoming link")
		m.env.native.Disconnect(m.dev)
		m.link.RejectConnection()
		return false
	}
	m.transition(hfp.StateConnecting)
	m.startLinkTimer()
	return true
}

func (m *Machine) serviceLevelConnected() {
	m.log.WithField("features", m.hfFeatures).Info("service level connection established")
	m.env.system.QueryPhoneState()
	if m.env.coord.snapshot().inBandRing {
		m.env.native.SendBsir(m.dev, true)
	}
}

func (m *Machine) onAudio(e AudioEvent) {
	st := m.link.State()
	m.log.WithFields(logrus.Fields{"audio": e.State, "state": st}).Debug("audio state event")
	switch e.State {
	case AudioLinkConnecting:
		if st != hfp.StateConnected {
			return
		}
		if !m.acceptRemoteAudio() {
			return
		}
		m.transition(hfp.StateAudioConnecting)
		m.startAudioTimer()
	case AudioLinkConnected:
		switch st {
		case hfp.StateConnected:
			if !m.acceptRemoteAudio() {
				return
			}
			m.transition(hfp.StateAudioConnecting)
			fallthrough
		case hfp.StateAudioConnecting, hfp.StateAudioDisconnecting:
			m.transition(hfp.StateAudioOn)
		}
	case AudioLinkDisconnecting:
		if st == hfp.StateAudioOn {
			m.transition(hfp.StateAudioDisconnecting)
			m.startAudioTimer()
		}
	case AudioLinkDisconnected:
		switch st {
		case hfp.StateAudioConnecting, hfp.StateAudioOn, hfp.StateAudioDisconnecting:
			m.transition(hfp.StateConnected)
		}
	}
}

// acceptRemoteAudio checks SCO opened by the headset and tears it down when
// it is not acceptable.
func (m *Machine) acceptRemoteAudio() bool {
	if err := m.env.coord.scoAcceptable(m.dev); err != nil {
		m.log.WithError(err).Info("refusing audio opened by headset")
		m.env.native.DisconnectAudio(m.dev)
		return false
	}
	return true
}
