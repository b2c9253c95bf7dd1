package client

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hfpd/call"
	"hfpd/hfp"
	"hfpd/hfp/hfptest"
)

const (
	devA = hfp.Device("00:11:22:33:44:55")
	devB = hfp.Device("66:77:88:99:AA:BB")
)

type fakeNative struct {
	mu     sync.Mutex
	log    []string
	reject map[string]bool
}

func newFakeNative() *fakeNative {
	return &fakeNative{reject: make(map[string]bool)}
}

func (f *fakeNative) record(name string, args ...interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry := name
	for _, a := range args {
		entry += " " + fmt.Sprint(a)
	}
	f.log = append(f.log, entry)
	return !f.reject[name]
}

func (f *fakeNative) Reject(name string) {
	f.mu.Lock()
	f.reject[name] = true
	f.mu.Unlock()
}

func (f *fakeNative) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *fakeNative) Count(prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeNative) Last() string {
	c := f.Calls()
	if len(c) == 0 {
		return ""
	}
	return c[len(c)-1]
}

func (f *fakeNative) Reset() {
	f.mu.Lock()
	f.log = nil
	f.mu.Unlock()
}

func (f *fakeNative) Connect(dev hfp.Device) bool         { return f.record("Connect") }
func (f *fakeNative) Disconnect(dev hfp.Device) bool      { return f.record("Disconnect") }
func (f *fakeNative) ConnectAudio(dev hfp.Device) bool    { return f.record("ConnectAudio") }
func (f *fakeNative) DisconnectAudio(dev hfp.Device) bool { return f.record("DisconnectAudio") }
func (f *fakeNative) StartVoiceRecognition(dev hfp.Device) bool {
	return f.record("StartVoiceRecognition")
}
func (f *fakeNative) StopVoiceRecognition(dev hfp.Device) bool {
	return f.record("StopVoiceRecognition")
}
func (f *fakeNative) SetVolume(dev hfp.Device, t hfp.VolumeType, level int) bool {
	return f.record("SetVolume", t, level)
}
func (f *fakeNative) Dial(dev hfp.Device, number string) bool { return f.record("Dial", number) }
func (f *fakeNative) HandleCallAction(dev hfp.Device, action Action, index int) bool {
	return f.record("HandleCallAction", action, index)
}
func (f *fakeNative) QueryCurrentCalls(dev hfp.Device) bool { return f.record("QueryCurrentCalls") }
func (f *fakeNative) QueryCurrentOperatorName(dev hfp.Device) bool {
	return f.record("QueryCurrentOperatorName")
}
func (f *fakeNative) RetrieveSubscriberInfo(dev hfp.Device) bool {
	return f.record("RetrieveSubscriberInfo")
}
func (f *fakeNative) SendDTMF(dev hfp.Device, code byte) bool { return f.record("SendDTMF", string(code)) }
func (f *fakeNative) SendATCommand(dev hfp.Device, cmd string) bool {
	return f.record("SendATCommand", cmd)
}

type harness struct {
	t      *testing.T
	svc    *Service
	native *fakeNative
	rec    *hfptest.Recorder
	clock  *hfptest.Clock
	policy *hfp.DenyList
}

func newHarness(t *testing.T, cfg Config) *harness {
	h := &harness{
		t:      t,
		native: newFakeNative(),
		rec:    &hfptest.Recorder{},
		clock:  hfptest.NewClock(),
		policy: hfp.NewDenyList(),
	}
	h.svc = NewService(Options{
		Config:   cfg,
		Native:   h.native,
		Notifier: h.rec,
		Policy:   h.policy,
		Clock:    h.clock,
		Log:      hfptest.Logger(),
	})
	h.svc.Start()
	t.Cleanup(func() { h.svc.Close() })
	return h
}

func (h *harness) machine(dev hfp.Device) *Machine {
	m, ok := h.svc.machines.Get(dev)
	require.True(h.t, ok, "no machine for %s", dev)
	return m
}

func (h *harness) flush(dev hfp.Device) {
	require.True(h.t, h.machine(dev).loop.Do(func() {}))
}

func (h *harness) send(ev StackEvent) {
	require.NoError(h.t, h.svc.HandleEvent(ev))
	h.flush(ev.Source())
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	for _, dev := range h.svc.Devices() {
		h.flush(dev)
	}
}

func (h *harness) pending(dev hfp.Device) []actionTag {
	m := h.machine(dev)
	var tags []actionTag
	m.loop.Do(func() {
		for _, a := range m.queue {
			tags = append(tags, a.tag)
		}
	})
	return tags
}

func (h *harness) ok(dev hfp.Device) {
	h.send(ResultEvent{Device: dev, Result: ResultOK})
}

func (h *harness) okAll(dev hfp.Device) {
	for len(h.pending(dev)) > 0 {
		h.ok(dev)
	}
}

// connect brings dev up with the given features and answers the
// post-connection queries.
func (h *harness) connect(dev hfp.Device, features, chld uint32) {
	h.send(ConnectionEvent{Device: dev, State: LinkSLCConnected, PeerFeatures: features, ChldFeatures: chld})
	h.okAll(dev)
	h.rec.Reset()
	h.native.Reset()
}

// clcc answers the outstanding current calls query with calls.
func (h *harness) clcc(dev hfp.Device, calls ...CallEvent) {
	require.Equal(h.t, tagQueryCalls, h.pending(dev)[0], "no current calls query at the head of the queue")
	for _, c := range calls {
		c.Device = dev
		h.send(c)
	}
	h.ok(dev)
}

// report makes the gateway announce calls through a callsetup indicator.
func (h *harness) report(dev hfp.Device, calls ...CallEvent) {
	h.send(CallIndicatorEvent{Device: dev, Indicator: IndicatorCallSetup, Value: 1})
	h.clcc(dev, calls...)
}

func (h *harness) calls(dev hfp.Device) []call.Call {
	c, err := h.svc.Calls(dev)
	require.NoError(h.t, err)
	return c
}

func TestIncomingConnection(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.send(ConnectionEvent{Device: devA, State: LinkConnected})
	h.send(ConnectionEvent{Device: devA, State: LinkSLCConnected, PeerFeatures: FeatureInBandRing})

	assert.Equal(t, []hfp.ConnectionStateChanged{
		{Device: devA, Prev: hfp.ConnectionDisconnected, State: hfp.ConnectionConnecting},
		{Device: devA, Prev: hfp.ConnectionConnecting, State: hfp.ConnectionConnected},
	}, h.rec.Connection(devA))
	assert.Equal(t, []string{
		"QueryCurrentCalls",
		"QueryCurrentOperatorName",
		"RetrieveSubscriberInfo",
		"SendATCommand +ANDROID=?",
	}, h.native.Calls())
	assert.Equal(t, []actionTag{tagQueryCalls, tagQueryOperator, tagSubscriberInfo, tagPolicyQuery}, h.pending(devA))
	assert.Equal(t, 1, h.rec.Count(func(n hfp.Notification) bool {
		ib, ok := n.(hfp.InBandRingChanged)
		return ok && ib.Enabled
	}))
}

func TestEventForUnknownDeviceIsDropped(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	err := h.svc.HandleEvent(CallEvent{Device: devA, ID: 1, State: call.StateIncoming})
	assert.ErrorIs(t, err, hfp.ErrUnknownDevice)
	err = h.svc.HandleEvent(ConnectionEvent{Device: devA, State: LinkDisconnected})
	assert.ErrorIs(t, err, hfp.ErrUnknownDevice)
	assert.Empty(t, h.svc.Devices())
}

func TestConnectTimeout(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	require.NoError(t, h.svc.Connect(devA))
	assert.Equal(t, []string{"Connect"}, h.native.Calls())

	h.advance(9 * time.Second)
	st, err := h.svc.State(devA)
	require.NoError(t, err)
	assert.Equal(t, hfp.ConnectionConnecting, st.Connection)

	h.advance(time.Second)
	st, err = h.svc.State(devA)
	require.NoError(t, err)
	assert.Equal(t, hfp.ConnectionDisconnected, st.Connection)
	assert.Equal(t, "Disconnect", h.native.Last())
	assert.Equal(t, 0, h.clock.Pending())
	assert.Equal(t, []hfp.ConnectionStateChanged{
		{Device: devA, Prev: hfp.ConnectionDisconnected, State: hfp.ConnectionConnecting},
		{Device: devA, Prev: hfp.ConnectionConnecting, State: hfp.ConnectionDisconnected},
	}, h.rec.Connection(devA))
}

func TestConnectRejectedByLink(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.native.Reject("Connect")

	assert.ErrorIs(t, h.svc.Connect(devA), hfp.ErrLinkRejected)
	assert.Equal(t, []hfp.ConnectionStateChanged{
		{Device: devA, Prev: hfp.ConnectionDisconnected, State: hfp.ConnectionDisconnected},
	}, h.rec.Connection(devA))
}

func TestConnectForbiddenByPolicy(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.policy.Forbid(devA)

	assert.ErrorIs(t, h.svc.Connect(devA), hfp.ErrPolicyForbidden)
	assert.Empty(t, h.svc.Devices())
	assert.Empty(t, h.native.Calls())

	// An incoming link from a forbidden device is dropped without a machine.
	err := h.svc.HandleEvent(ConnectionEvent{Device: devA, State: LinkConnected})
	assert.ErrorIs(t, err, hfp.ErrPolicyForbidden)
	assert.Equal(t, []string{"Disconnect"}, h.native.Calls())
	assert.Empty(t, h.svc.Devices())
}

func TestRefusedLinksDoNotConsumeSlots(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	for i := 0; i < hfp.MaxMachines+10; i++ {
		d := hfp.Device(fmt.Sprintf("00:00:00:00:%02X:%02X", i/256, i%256))
		h.policy.Forbid(d)
		assert.ErrorIs(t, h.svc.HandleEvent(ConnectionEvent{Device: d, State: LinkConnecting}), hfp.ErrPolicyForbidden)
	}
	assert.Empty(t, h.svc.Devices())

	h.send(ConnectionEvent{Device: devA, State: LinkConnected})
	require.NoError(t, h.svc.Connect(devB))
	assert.Equal(t, []hfp.Device{devA, devB}, h.svc.Devices())
}

func TestIdleMachinesReclaimedAtLimit(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	require.NoError(t, h.svc.Connect(devA))
	for i := 1; i < hfp.MaxMachines; i++ {
		d := hfp.Device(fmt.Sprintf("00:00:00:00:00:%02X", i))
		h.send(ConnectionEvent{Device: d, State: LinkConnected})
		h.send(ConnectionEvent{Device: d, State: LinkDisconnected})
	}
	require.Len(t, h.svc.Devices(), hfp.MaxMachines)

	// Disconnected machines without calls make room; the connecting one stays.
	require.NoError(t, h.svc.Connect(devB))
	assert.Equal(t, []hfp.Device{devA, devB}, h.svc.Devices())
	st, err := h.svc.State(devA)
	require.NoError(t, err)
	assert.Equal(t, hfp.ConnectionConnecting, st.Connection)

	// A reclaimed device comes back with a fresh machine.
	_, err = h.svc.State("00:00:00:00:00:01")
	assert.ErrorIs(t, err, hfp.ErrUnknownDevice)
	h.send(ConnectionEvent{Device: "00:00:00:00:00:01", State: LinkConnected})
	st, err = h.svc.State("00:00:00:00:00:01")
	require.NoError(t, err)
	assert.Equal(t, hfp.ConnectionConnecting, st.Connection)
}

func TestDisconnectTimeout(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA, 0, 0)

	require.NoError(t, h.svc.Disconnect(devA))
	assert.Equal(t, []string{"Disconnect"}, h.native.Calls())

	h.advance(9 * time.Second)
	st, err := h.svc.State(devA)
	require.NoError(t, err)
	assert.Equal(t, hfp.ConnectionDisconnecting, st.Connection)

	h.advance(time.Second)
	st, err = h.svc.State(devA)
	require.NoError(t, err)
	assert.Equal(t, hfp.ConnectionDisconnected, st.Connection)
	assert.Equal(t, 0, h.clock.Pending())
	assert.Equal(t, []hfp.ConnectionStateChanged{
		{Device: devA, Prev: hfp.ConnectionConnected, State: hfp.ConnectionDisconnecting},
		{Device: devA, Prev: hfp.ConnectionDisconnecting, State: hfp.ConnectionDisconnected},
	}, h.rec.Connection(devA))
}

func TestDeferredRequestsReplayInOrder(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	require.NoError(t, h.svc.Connect(devA))
	require.NoError(t, h.svc.ConnectAudio(devA))
	require.NoError(t, h.svc.Disconnect(devA))
	assert.Equal(t, []string{"Connect"}, h.native.Calls())

	// Audio is replayed first; the disconnect waits for audio to settle.
	h.send(ConnectionEvent{Device: devA, State: LinkSLCConnected})
	assert.Equal(t, []string{"Connect", "ConnectAudio"}, linkCalls(h.native))
	assert.Equal(t, []hfp.AudioStateChanged{
		{Device: devA, Prev: hfp.AudioDisconnected, State: hfp.AudioConnecting},
	}, audioStates(h.rec.Audio(devA)))

	h.send(AudioEvent{Device: devA, State: hfp.AudioConnected})
	assert.Equal(t, []string{"Connect", "ConnectAudio", "Disconnect"}, linkCalls(h.native))
	assert.Equal(t, []hfp.ConnectionStateChanged{
		{Device: devA, Prev: hfp.ConnectionDisconnected, State: hfp.ConnectionConnecting},
		{Device: devA, Prev: hfp.ConnectionConnecting, State: hfp.ConnectionConnected},
		{Device: devA, Prev: hfp.ConnectionConnected, State: hfp.ConnectionDisconnecting},
	}, h.rec.Connection(devA))
	assert.Equal(t, []hfp.AudioStateChanged{
		{Device: devA, Prev: hfp.AudioDisconnected, State: hfp.AudioConnecting},
		{Device: devA, Prev: hfp.AudioConnecting, State: hfp.AudioConnected},
		{Device: devA, Prev: hfp.AudioConnected, State: hfp.AudioDisconnected},
	}, audioStates(h.rec.Audio(devA)))
}

// linkCalls keeps the link and audio requests of the native log.
func linkCalls(f *fakeNative) []string {
	var out []string
	for _, c := range f.Calls() {
		switch c {
		case "Connect", "Disconnect", "ConnectAudio", "DisconnectAudio":
			out = append(out, c)
		}
	}
	return out
}

// audioStates drops the codec from audio notifications.
func audioStates(in []hfp.AudioStateChanged) []hfp.AudioStateChanged {
	out := make([]hfp.AudioStateChanged, len(in))
	for i, a := range in {
		a.Codec = 0
		out[i] = a
	}
	return out
}

func TestMachineLimit(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	for i := 0; i < hfp.MaxMachines; i++ {
		require.NoError(t, h.svc.Connect(hfp.Device(fmt.Sprintf("00:00:00:00:00:%02X", i))))
	}
	assert.ErrorIs(t, h.svc.Connect("00:00:00:00:01:00"), hfp.ErrTooManyMachines)
	err := h.svc.HandleEvent(ConnectionEvent{Device: "00:00:00:00:01:01", State: LinkConnecting})
	assert.ErrorIs(t, err, hfp.ErrTooManyMachines)
	assert.Len(t, h.svc.Devices(), hfp.MaxMachines)
}

func TestDisconnectWhileConnectingIsReplayed(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	require.NoError(t, h.svc.Connect(devA))
	require.NoError(t, h.svc.Disconnect(devA))
	assert.Equal(t, []string{"Connect"}, h.native.Calls())

	h.send(ConnectionEvent{Device: devA, State: LinkSLCConnected})

	assert.Equal(t, "Disconnect", h.native.Last())
	assert.Equal(t, []hfp.ConnectionStateChanged{
		{Device: devA, Prev: hfp.ConnectionDisconnected, State: hfp.ConnectionConnecting},
		{Device: devA, Prev: hfp.ConnectionConnecting, State: hfp.ConnectionConnected},
		{Device: devA, Prev: hfp.ConnectionConnected, State: hfp.ConnectionDisconnecting},
	}, h.rec.Connection(devA))

	h.send(ConnectionEvent{Device: devA, State: LinkDisconnected})
	conn := h.rec.Connection(devA)
	assert.Equal(t, hfp.ConnectionDisconnected, conn[len(conn)-1].State)
}

func TestAudioRouteNotAllowed(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA, 0, 0)
	h.svc.SetAudioRouteAllowed(false)

	assert.ErrorIs(t, h.svc.ConnectAudio(devA), hfp.ErrAudioRouteBlocked)
	assert.Equal(t, []hfp.AudioStateChanged{
		{Device: devA, Prev: hfp.AudioDisconnected, State: hfp.AudioDisconnected},
	}, h.rec.Audio(devA))

	// Gateway initiated audio is torn down instead of routed.
	h.send(AudioEvent{Device: devA, State: hfp.AudioConnected, Codec: hfp.CodecWideband})
	assert.Equal(t, []string{"DisconnectAudio"}, h.native.Calls())
	assert.Len(t, h.rec.Audio(devA), 1)
}

type fakeAudio struct {
	mu     sync.Mutex
	routed []bool
}

func (a *fakeAudio) SetScoRouted(dev hfp.Device, routed bool, codec hfp.Codec) {
	a.mu.Lock()
	a.routed = append(a.routed, routed)
	a.mu.Unlock()
}

func (a *fakeAudio) SetVolume(hfp.Device, hfp.VolumeType, int) {}

func TestRemoteAudioPassesThroughConnecting(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	audio := &fakeAudio{}
	h.svc.env.audio = audio
	h.connect(devA, 0, 0)

	h.send(AudioEvent{Device: devA, State: hfp.AudioConnected, Codec: hfp.CodecWideband})

	assert.Equal(t, []hfp.AudioStateChanged{
		{Device: devA, Prev: hfp.AudioDisconnected, State: hfp.AudioConnecting, Codec: hfp.CodecWideband},
		{Device: devA, Prev: hfp.AudioConnecting, State: hfp.AudioConnected, Codec: hfp.CodecWideband},
	}, h.rec.Audio(devA))

	// Link loss reports audio before the connection.
	h.rec.Reset()
	h.send(ConnectionEvent{Device: devA, State: LinkDisconnected})
	all := h.rec.All()
	require.Len(t, all, 2)
	assert.IsType(t, hfp.AudioStateChanged{}, all[0])
	assert.IsType(t, hfp.ConnectionStateChanged{}, all[1])
	assert.Equal(t, []bool{true, false}, audio.routed)
}

func TestAudioConnectTimeout(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA, 0, 0)

	require.NoError(t, h.svc.ConnectAudio(devA))
	h.advance(10 * time.Second)

	audio := h.rec.Audio(devA)
	require.Len(t, audio, 2)
	assert.Equal(t, hfp.AudioConnecting, audio[0].State)
	assert.Equal(t, hfp.AudioDisconnected, audio[1].State)
	assert.Equal(t, "DisconnectAudio", h.native.Last())
}

func TestAcceptIncomingCall(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA, 0, 0)

	h.report(devA, CallEvent{ID: 3, State: call.StateIncoming, Number: "5551234"})
	require.Len(t, h.rec.Calls(devA), 1)
	h.rec.Reset()
	h.native.Reset()

	require.NoError(t, h.svc.AcceptCall(devA, AcceptNone))
	assert.Equal(t, "HandleCallAction ATA 0", h.native.Last())
	assert.Empty(t, h.rec.Calls(devA))

	h.ok(devA)
	changes := h.rec.Calls(devA)
	require.Len(t, changes, 1)
	assert.Equal(t, 3, changes[0].Call.ID)
	assert.Equal(t, call.StateActive, changes[0].Call.State)

	// The refresh that follows agrees and stays silent.
	assert.Equal(t, "QueryCurrentCalls", h.native.Last())
	h.clcc(devA, CallEvent{ID: 3, State: call.StateActive, Number: "5551234"})
	assert.Len(t, h.rec.Calls(devA), 1)
}

func TestDialAssociationAndRemoval(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA, 0, 0)

	dialed, err := h.svc.Dial(devA, "12345")
	require.NoError(t, err)
	assert.Equal(t, call.HFOriginatedID, dialed.ID)
	assert.Equal(t, "Dial 12345", h.native.Last())
	changes := h.rec.Calls(devA)
	require.Len(t, changes, 1)
	assert.Equal(t, call.StateDialing, changes[0].Call.State)

	_, err = h.svc.Dial(devA, "999")
	assert.ErrorIs(t, err, hfp.ErrBusy)

	h.ok(devA)
	h.clcc(devA, CallEvent{ID: 7, State: call.StateAlerting, Number: "12345", Outgoing: true})

	calls := h.calls(devA)
	require.Len(t, calls, 1)
	assert.Equal(t, 7, calls[0].ID)
	assert.Equal(t, dialed.UUID, calls[0].UUID)
	assert.Equal(t, call.StateAlerting, calls[0].State)

	h.rec.Reset()
	h.report(devA, CallEvent{ID: 7, State: call.StateAlerting, Number: "12345", Outgoing: true})
	assert.Empty(t, h.rec.Calls(devA))

	h.report(devA)
	changes = h.rec.Calls(devA)
	require.Len(t, changes, 1)
	assert.Equal(t, 7, changes[0].Call.ID)
	assert.Equal(t, call.StateTerminated, changes[0].Call.State)
	assert.Empty(t, h.calls(devA))
}

func TestReconcileIsIdempotent(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA, 0, 0)

	report := []CallEvent{
		{ID: 1, State: call.StateActive, Number: "111"},
		{ID: 2, State: call.StateHeld, Number: "222"},
	}
	h.report(devA, report...)
	assert.Len(t, h.rec.Calls(devA), 2)

	h.rec.Reset()
	h.report(devA, report...)
	assert.Empty(t, h.rec.Calls(devA))

	report[1].State = call.StateActive
	report[1].Multiparty = true
	h.report(devA, report...)
	changes := h.rec.Calls(devA)
	require.Len(t, changes, 1)
	assert.Equal(t, 2, changes[0].Call.ID)
	assert.True(t, changes[0].Call.Multiparty)
}

func TestDialAssociatesLowestNewID(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA, 0, 0)

	dialed, err := h.svc.Dial(devA, "12345")
	require.NoError(t, err)
	h.ok(devA)
	h.clcc(devA,
		CallEvent{ID: 9, State: call.StateIncoming, Number: "999"},
		CallEvent{ID: 4, State: call.StateDialing, Number: "12345", Outgoing: true},
	)

	calls := h.calls(devA)
	require.Len(t, calls, 2)
	assert.Equal(t, 4, calls[0].ID)
	assert.Equal(t, dialed.UUID, calls[0].UUID)
	assert.Equal(t, 9, calls[1].ID)
}

func TestStuckDialIsHungUp(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA, 0, 0)

	_, err := h.svc.Dial(devA, "12345")
	require.NoError(t, err)
	h.ok(devA)
	h.clcc(devA)
	assert.Len(t, h.calls(devA), 1, "sentinel survives an empty report before the timeout")

	// Polling continues while the dial is unresolved.
	h.advance(500 * time.Millisecond)
	assert.Equal(t, 2, h.native.Count("QueryCurrentCalls"))
	h.clcc(devA)

	h.advance(10 * time.Second)
	h.rec.Reset()
	h.clcc(devA)

	assert.Equal(t, "HandleCallAction CHUP 0", h.native.Last())
	changes := h.rec.Calls(devA)
	require.Len(t, changes, 1)
	assert.Equal(t, call.HFOriginatedID, changes[0].Call.ID)
	assert.Equal(t, call.StateTerminated, changes[0].Call.State)
	assert.Empty(t, h.calls(devA))
	assert.Equal(t, 0, h.clock.Pending())
}

func TestDialRejectedByGateway(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA, 0, 0)

	_, err := h.svc.Dial(devA, "12345")
	require.NoError(t, err)
	h.send(ResultEvent{Device: devA, Result: ResultError})

	changes := h.rec.Calls(devA)
	require.Len(t, changes, 2)
	assert.Equal(t, call.StateTerminated, changes[1].Call.State)
	assert.Empty(t, h.calls(devA))
}

func TestPollDuringCall(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClccPollDuringCall = true
	h := newHarness(t, cfg)
	h.connect(devA, 0, 0)

	h.report(devA, CallEvent{ID: 1, State: call.StateActive, Number: "111"})
	h.native.Reset()

	h.advance(2 * time.Second)
	assert.Equal(t, []string{"QueryCurrentCalls"}, h.native.Calls())
	h.clcc(devA)
	assert.Empty(t, h.calls(devA))

	h.advance(time.Minute)
	assert.Equal(t, 1, h.native.Count("QueryCurrentCalls"))
}

func TestClccResponseTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClccPollDuringCall = true
	h := newHarness(t, cfg)
	h.connect(devA, 0, 0)
	h.report(devA, CallEvent{ID: 1, State: call.StateActive, Number: "111"})

	h.advance(2 * time.Second)
	require.Equal(t, []actionTag{tagQueryCalls}, h.pending(devA))
	h.send(CallEvent{Device: devA, ID: 2, State: call.StateWaiting})

	h.advance(5 * time.Second)
	assert.Empty(t, h.pending(devA))

	// Polling resumes and the partial report was discarded.
	h.advance(2 * time.Second)
	h.rec.Reset()
	h.clcc(devA, CallEvent{ID: 1, State: call.StateActive, Number: "111"})
	assert.Empty(t, h.rec.Calls(devA))
}

func TestLinkLossTerminatesCalls(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA, 0, 0)
	h.report(devA, CallEvent{ID: 1, State: call.StateActive}, CallEvent{ID: 2, State: call.StateHeld})
	h.rec.Reset()

	h.send(ConnectionEvent{Device: devA, State: LinkDisconnected})

	changes := h.rec.Calls(devA)
	require.Len(t, changes, 2)
	for _, c := range changes {
		assert.Equal(t, call.StateTerminated, c.Call.State)
	}
	assert.ErrorIs(t, h.svc.AcceptCall(devA, AcceptNone), hfp.ErrNotConnected)
}

func TestCallActionSelection(t *testing.T) {
	incoming := CallEvent{ID: 1, State: call.StateIncoming}
	waiting := CallEvent{ID: 2, State: call.StateWaiting}
	active := CallEvent{ID: 3, State: call.StateActive}
	held := CallEvent{ID: 4, State: call.StateHeld}
	rh := CallEvent{ID: 5, State: call.StateHeldByResponseAndHold}
	dialing := CallEvent{ID: 6, State: call.StateDialing, Outgoing: true}

	accept := func(f AcceptFlag) func(*Service) error {
		return func(s *Service) error { return s.AcceptCall(devA, f) }
	}
	reject := func(s *Service) error { return s.RejectCall(devA) }
	hold := func(s *Service) error { return s.HoldCall(devA) }
	terminate := func(s *Service) error { return s.TerminateCall(devA) }

	tests := []struct {
		name   string
		calls  []CallEvent
		op     func(*Service) error
		action string
		err    error
	}{
		{"accept incoming", []CallEvent{incoming}, accept(AcceptNone), "ATA 0", nil},
		{"accept incoming with hold", []CallEvent{incoming}, accept(AcceptHold), "", hfp.ErrInvalidState},
		{"accept waiting alone", []CallEvent{waiting}, accept(AcceptNone), "CHLD=2 0", nil},
		{"accept waiting holding active", []CallEvent{active, waiting}, accept(AcceptHold), "CHLD=2 0", nil},
		{"accept waiting releasing active", []CallEvent{active, waiting}, accept(AcceptTerminate), "CHLD=1 0", nil},
		{"accept held merging", []CallEvent{active, held}, accept(AcceptNone), "CHLD=3 0", nil},
		{"accept held swapping", []CallEvent{active, held}, accept(AcceptHold), "CHLD=2 0", nil},
		{"accept held releasing active", []CallEvent{active, held}, accept(AcceptTerminate), "CHLD=1 0", nil},
		{"accept held alone", []CallEvent{held}, accept(AcceptNone), "CHLD=2 0", nil},
		{"accept response and hold", []CallEvent{rh}, accept(AcceptNone), "BTRH=1 0", nil},
		{"accept nothing", nil, accept(AcceptNone), "", hfp.ErrNoCall},
		{"reject incoming", []CallEvent{incoming}, reject, "CHUP 0", nil},
		{"reject waiting", []CallEvent{active, waiting}, reject, "CHLD=0 0", nil},
		{"reject held", []CallEvent{held}, reject, "CHLD=0 0", nil},
		{"reject response and hold", []CallEvent{rh}, reject, "BTRH=2 0", nil},
		{"hold incoming", []CallEvent{incoming}, hold, "BTRH=0 0", nil},
		{"hold active", []CallEvent{active}, hold, "CHLD=2 0", nil},
		{"hold nothing", []CallEvent{held}, hold, "", hfp.ErrNoCall},
		{"terminate dialing", []CallEvent{dialing}, terminate, "CHUP 0", nil},
		{"terminate held", []CallEvent{held}, terminate, "CHLD=0 0", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			h.connect(devA, 0, 0)
			h.report(devA, tt.calls...)
			h.native.Reset()

			err := tt.op(h.svc)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				assert.Empty(t, h.native.Calls())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "HandleCallAction "+tt.action, h.native.Last())
		})
	}
}

func TestHoldSwapAppliedOnOK(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA, 0, 0)
	h.report(devA, CallEvent{ID: 1, State: call.StateActive}, CallEvent{ID: 2, State: call.StateHeld})
	h.rec.Reset()

	require.NoError(t, h.svc.HoldCall(devA))
	h.ok(devA)

	calls := h.calls(devA)
	require.Len(t, calls, 2)
	assert.Equal(t, call.StateHeld, calls[0].State)
	assert.Equal(t, call.StateActive, calls[1].State)
	assert.Len(t, h.rec.Calls(devA), 2)
}

func TestPrivateModeAndTransfer(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA, 0, ChldPrivateX)
	h.report(devA,
		CallEvent{ID: 1, State: call.StateActive, Multiparty: true},
		CallEvent{ID: 2, State: call.StateActive, Multiparty: true},
	)

	require.NoError(t, h.svc.EnterPrivateMode(devA, 2))
	assert.Equal(t, "HandleCallAction CHLD=2x 2", h.native.Last())
	assert.ErrorIs(t, h.svc.EnterPrivateMode(devA, 9), hfp.ErrNoCall)
	assert.ErrorIs(t, h.svc.ExplicitCallTransfer(devA), hfp.ErrUnsupported)

	h2 := newHarness(t, DefaultConfig())
	h2.connect(devB, 0, ChldMergeDetach)
	h2.report(devB, CallEvent{ID: 1, State: call.StateActive})
	assert.ErrorIs(t, h2.svc.ExplicitCallTransfer(devB), hfp.ErrNoCall)
	assert.ErrorIs(t, h2.svc.EnterPrivateMode(devB, 1), hfp.ErrInvalidState)
	h2.report(devB, CallEvent{ID: 1, State: call.StateActive}, CallEvent{ID: 2, State: call.StateHeld})
	require.NoError(t, h2.svc.ExplicitCallTransfer(devB))
	assert.Equal(t, "HandleCallAction CHLD=4 0", h2.native.Last())
}

func TestVoiceRecognition(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA, 0, 0)
	assert.ErrorIs(t, h.svc.StartVoiceRecognition(devA), hfp.ErrUnsupported)

	h2 := newHarness(t, DefaultConfig())
	h2.connect(devB, FeatureVoiceRecognition, 0)
	require.NoError(t, h2.svc.StartVoiceRecognition(devB))
	assert.ErrorIs(t, h2.svc.StartVoiceRecognition(devB), hfp.ErrInvalidState)
	h2.ok(devB)

	st, err := h2.svc.State(devB)
	require.NoError(t, err)
	assert.True(t, st.VR)
	assert.Equal(t, 1, h2.rec.Count(func(n hfp.Notification) bool {
		v, ok := n.(hfp.VoiceRecognitionChanged)
		return ok && v.Active
	}))

	// The gateway ends the session itself.
	h2.send(VoiceRecognitionEvent{Device: devB, Active: false})
	assert.ErrorIs(t, h2.svc.StopVoiceRecognition(devB), hfp.ErrInvalidState)
}

func TestVendorCommands(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA, 0, 0)

	require.NoError(t, h.svc.SendVendorAT(devA, VendorApple, "AT+XAPL=ABCD-1234-0100,10"))
	assert.Equal(t, "SendATCommand +XAPL=ABCD-1234-0100,10", h.native.Last())
	assert.Error(t, h.svc.SendVendorAT(devA, VendorApple, "+XEVENT=foo"))
	assert.Error(t, h.svc.SendVendorAT(devA, 0x1234, "+XAPL=foo"))

	h.send(UnknownEvent{Device: devA, Command: "+XAPL=iPhone,2"})
	assert.Equal(t, 1, h.rec.Count(func(n hfp.Notification) bool {
		v, ok := n.(hfp.VendorEvent)
		return ok && v.VendorID == VendorApple
	}))
}

func TestDTMFAndVolume(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA, 0, 0)

	require.NoError(t, h.svc.SendDTMF(devA, '5'))
	assert.Equal(t, "SendDTMF 5", h.native.Last())
	assert.ErrorIs(t, h.svc.SendDTMF(devA, 'x'), hfp.ErrInvalidState)

	require.NoError(t, h.svc.SetVolume(devA, hfp.VolumeSpeaker, 15))
	assert.ErrorIs(t, h.svc.SetVolume(devA, hfp.VolumeSpeaker, 16), hfp.ErrInvalidState)
}

func TestAudioPolicyAppliedOnceSupported(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AudioPolicy = AudioPolicy{CallEstablish: PolicyAllowed, ConnectingTime: PolicyNotAllowed, InBandRing: PolicyAllowed}
	h := newHarness(t, cfg)

	h.send(ConnectionEvent{Device: devA, State: LinkSLCConnected})
	h.okAll(devA)

	assert.Equal(t, 1, h.native.Count("SendATCommand +ANDROID=SINKAUDIOPOLICY,1,2,1"))
	assert.Equal(t, 1, h.rec.Count(func(n hfp.Notification) bool {
		p, ok := n.(hfp.AudioPolicyChanged)
		return ok && p.Supported
	}))
}

func TestAudioPolicyUnsupported(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.send(ConnectionEvent{Device: devA, State: LinkSLCConnected})
	for len(h.pending(devA)) > 0 {
		h.send(ResultEvent{Device: devA, Result: ResultError})
	}
	assert.ErrorIs(t, h.svc.SetAudioPolicy(devA, AudioPolicy{CallEstablish: PolicyAllowed}), hfp.ErrUnsupported)
}

func TestCleanup(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA, 0, 0)
	assert.ErrorIs(t, h.svc.Cleanup(devA), hfp.ErrInvalidState)

	h.send(ConnectionEvent{Device: devA, State: LinkDisconnected})
	require.NoError(t, h.svc.Cleanup(devA))
	assert.Empty(t, h.svc.Devices())
}

func TestClosedServiceRefusesRequests(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA, 0, 0)
	require.NoError(t, h.svc.Close())

	assert.ErrorIs(t, h.svc.Connect(devB), hfp.ErrClosed)
	assert.ErrorIs(t, h.svc.HandleEvent(RingEvent{Device: devA}), hfp.ErrClosed)
	assert.False(t, h.svc.AudioRouteAllowed())
}
