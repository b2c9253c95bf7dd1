package client

import (
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"hfpd/call"
	"hfpd/hfp"
)

type timerKey int

const (
	timerLink timerKey = iota
	timerAudio
	timerPoll
	timerClcc
)

func (k timerKey) String() string {
	switch k {
	case timerLink:
		return "link"
	case timerAudio:
		return "audio"
	case timerPoll:
		return "call-poll"
	case timerClcc:
		return "clcc"
	}
	return "unknown"
}

// request is a link or audio request that can be deferred.
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
	cfg          Config
	native       Native
	notifier     hfp.Notifier
	audio        hfp.AudioManager
	policy       hfp.ConnectionPolicy
	clock        hfp.Clock
	routeAllowed func() bool
}

// Machine is the hands-free state machine of one gateway. All of its state is
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

	peerFeatures uint32
	chldFeatures uint32

	calls   map[int]*call.Call
	updates map[int]*call.Call
	queue   []queuedAction

	vr              bool
	inBandRing      bool
	policySupported bool
	policy          AudioPolicy
	indicators      map[hfp.Indicator]int
	operator        string

	// retired is set once the service has dropped the machine; anything
	// still queued on it is handed back to the service.
	retired bool
}

func newMachine(dev hfp.Device, e *env, log *logrus.Entry) *Machine {
	m := &Machine{
		dev:        dev,
		env:        e,
		log:        log.WithField("device", dev),
		loop:       hfp.NewLoop(hfp.DefaultQueueSize),
		calls:      make(map[int]*call.Call),
		updates:    make(map[int]*call.Call),
		policy:     e.cfg.AudioPolicy,
		indicators: make(map[hfp.Indicator]int),
	}
	m.timers = hfp.NewTimers[timerKey](e.clock, m.loop.Post)
	m.link = hfp.NewLink(dev, e.notifier, m.log)
	m.loop.Start()
	return m
}

// post runs fn on the loop and replays deferred requests afterwards.
func (m *Machine) post(fn func()) bool {
	return m.loop.Post(func() {
		fn()
		m.replay()
	})
}

// do is post that waits for fn to finish.
func (m *Machine) do(fn func()) error {
	if !m.loop.Do(func() {
		fn()
		m.replay()
	}) {
		return hfp.ErrClosed
	}
	return nil
}

// idle reports whether the machine holds no link, no calls and no pending
// work, so dropping it loses nothing.
func (m *Machine) idle() bool {
	return m.link.State() == hfp.StateDisconnected &&
		len(m.calls) == 0 && len(m.queue) == 0 && m.deferred.Len() == 0
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

// reset drops everything learned over the service level connection.
func (m *Machine) reset() {
	m.timers.Cancel(timerPoll)
	m.timers.Cancel(timerClcc)
	m.terminateAll()
	m.updates = make(map[int]*call.Call)
	m.queue = nil
	if m.vr {
		m.setVR(false)
	}
	m.peerFeatures, m.chldFeatures = 0, 0
	m.inBandRing = false
	m.policySupported = false
	m.indicators = make(map[hfp.Indicator]int)
	m.operator = ""
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

func (m *Machine) disconnect() error {
	switch m.link.State() {
	case hfp.StateDisconnected:
		return hfp.ErrNotConnected
	case hfp.StateConnecting, hfp.StateAudioConnecting, hfp.StateAudioDisconnecting:
		m.postpone(reqDisconnect)
	case hfp.StateConnected, hfp.StateAudioOn:
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
		if !m.env.routeAllowed() {
			m.log.Info("audio route not allowed, rejecting audio connect")
			m.link.RejectAudio()
			return hfp.ErrAudioRouteBlocked
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

func (m *Machine) audioTimeout() {
	switch m.link.State() {
	case hfp.StateAudioConnecting:
		m.log.Warn("audio connect timed out")
		m.env.native.DisconnectAudio(m.dev)
		m.transition(hfp.StateConnected)
	case hfp.StateAudioDisconnecting:
		m.log.Warn("audio disconnect timed out, forcing audio off")
		m.transition(hfp.StateConnected)
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
	if !m.link.State().Linked() {
		m.log.WithField("event", ev).Debug("ignoring event without service level connection")
		return
	}
	switch e := ev.(type) {
	case CallEvent:
		m.onCall(e)
	case CallIndicatorEvent:
		m.queryCalls()
	case ResultEvent:
		m.onResult(e)
	case IndicatorEvent:
		if v, ok := m.indicators[e.Indicator]; ok && v == e.Value {
			return
		}
		m.indicators[e.Indicator] = e.Value
		m.env.notifier.Notify(hfp.IndicatorChanged{Device: m.dev, Indicator: e.Indicator, Value: e.Value})
	case OperatorEvent:
		m.operator = e.Name
		m.env.notifier.Notify(hfp.OperatorChanged{Device: m.dev, Name: e.Name})
	case SubscriberEvent:
		m.env.notifier.Notify(hfp.SubscriberInfo{Device: m.dev, Number: e.Number, Type: e.Type})
	case VoiceRecognitionEvent:
		if m.vr != e.Active {
			m.setVR(e.Active)
		}
	case VolumeEvent:
		if e.Level < 0 || e.Level > hfp.MaxVolume {
			m.log.WithField("level", e.Level).Warn("volume out of range")
			return
		}
		m.env.audio.SetVolume(m.dev, e.Type, e.Level)
		m.env.notifier.Notify(hfp.VolumeChanged{Device: m.dev, Type: e.Type, Level: e.Level})
	case InBandRingEvent:
		if m.inBandRing != e.Enabled {
			m.inBandRing = e.Enabled
			m.env.notifier.Notify(hfp.InBandRingChanged{Device: m.dev, Enabled: e.Enabled})
		}
	case RingEvent:
		m.env.notifier.Notify(hfp.RingIndication{Device: m.dev})
	case UnknownEvent:
		m.onUnknown(e)
	default:
		m.log.WithField("event", ev).Warn("unhandled stack event")
	}
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
			m.peerFeatures = e.PeerFeatures
			m.chldFeatures = e.ChldFeatures
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
	if !m.env.policy.Allowed(m.dev) {
		m.log.Info("connection policy forbids device, dropping incoming link")
		m.env.native.Disconnect(m.dev)
		m.link.RejectConnection()
		return false
	}
	m.transition(hfp.StateConnecting)
	m.startLinkTimer()
	return true
}

func (m *Machine) serviceLevelConnected() {
	m.log.WithFields(logrus.Fields{
		"features": m.peerFeatures,
		"chld":     m.chldFeatures,
	}).Info("service level connection established")
	if m.peerFeatures&FeatureInBandRing != 0 {
		m.inBandRing = true
		m.env.notifier.Notify(hfp.InBandRingChanged{Device: m.dev, Enabled: true})
	}
	m.queryCalls()
	if m.env.native.QueryCurrentOperatorName(m.dev) {
		m.enqueue(tagQueryOperator, nil)
	}
	if m.env.native.RetrieveSubscriberInfo(m.dev) {
		m.enqueue(tagSubscriberInfo, nil)
	}
	if m.env.native.SendATCommand(m.dev, audioPolicyTest) {
		m.enqueue(tagPolicyQuery, nil)
	}
}

func (m *Machine) onAudio(e AudioEvent) {
	st := m.link.State()
	m.log.WithFields(logrus.Fields{"audio": e.State, "codec": e.Codec, "state": st}).Debug("audio state event")
	switch e.State {
	case hfp.AudioConnecting:
		if st == hfp.StateConnected {
			m.link.SetCodec(e.Codec)
			m.transition(hfp.StateAudioConnecting)
			m.startAudioTimer()
		}
	case hfp.AudioConnected:
		if st != hfp.StateConnected && st != hfp.StateAudioConnecting {
			return
		}
		m.link.SetCodec(e.Codec)
		if !m.env.routeAllowed() {
			m.log.Info("audio route not allowed, disconnecting audio")
			m.env.native.DisconnectAudio(m.dev)
			return
		}
		if st == hfp.StateConnected {
			m.transition(hfp.StateAudioConnecting)
		}
		m.transition(hfp.StateAudioOn)
	case hfp.AudioDisconnected:
		switch st {
		case hfp.StateAudioConnecting, hfp.StateAudioOn, hfp.StateAudioDisconnecting:
			m.transition(hfp.StateConnected)
		}
	}
}

func (m *Machine) onUnknown(e UnknownEvent) {
	if strings.HasPrefix(e.Command, audioPolicyCommand+":") {
		m.log.WithField("result", e.Command).Debug("audio policy capability")
		return
	}
	id, ok := vendorOf(e.Command)
	if !ok {
		m.log.WithField("result", e.Command).Debug("ignoring unknown result")
		return
	}
	m.env.notifier.Notify(hfp.VendorEvent{Device: m.dev, VendorID: id, Command: e.Command})
}

func (m *Machine) setVR(active bool) {
	m.vr = active
	m.env.notifier.Notify(hfp.VoiceRecognitionChanged{Device: m.dev, Active: active})
}

func (m *Machine) setPolicySupported(ok bool) {
	m.policySupported = ok
	m.env.notifier.Notify(hfp.AudioPolicyChanged{Device: m.dev, Supported: ok})
	if ok && m.policy.configured() {
		if err := m.setAudioPolicy(m.policy); err != nil {
			m.log.WithError(err).Warn("could not apply audio policy")
		}
	}
}

func (m *Machine) notifyCall(c *call.Call) {
	m.log.WithField("call", c).Debug("call changed")
	m.env.notifier.Notify(hfp.CallChanged{Device: m.dev, Call: c.Clone()})
}

// terminateAll marks every call terminated and forgets it.
func (m *Machine) terminateAll() {
	for _, id := range m.callIDs() {
		c := m.calls[id]
		c.State = call.StateTerminated
		m.notifyCall(c)
	}
	m.calls = make(map[int]*call.Call)
}

func (m *Machine) callIDs() []int {
	ids := make([]int, 0, len(m.calls))
	for id := range m.calls {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// snapshot returns the calls ordered by id.
func (m *Machine) snapshot() []call.Call {
	out := make([]call.Call, 0, len(m.calls))
	for _, id := range m.callIDs() {
		out = append(out, m.calls[id].Clone())
	}
	return out
}
