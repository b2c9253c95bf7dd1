package ag

import (
	"fmt"
	"math/rand"
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
	devA hfp.Device = "00:11:22:33:44:55"
	devB hfp.Device = "00:11:22:33:44:66"
	devC hfp.Device = "00:11:22:33:44:77"
)

// recorder remembers calls by name and fails the ones marked rejected.
type recorder struct {
	mu     sync.Mutex
	calls  []string
	reject map[string]bool
}

func (r *recorder) record(name string, args ...interface{}) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, strings.TrimSpace(fmt.Sprintln(append([]interface{}{name}, args...)...)))
	return !r.reject[name]
}

func (r *recorder) Reject(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject == nil {
		r.reject = make(map[string]bool)
	}
	r.reject[name] = true
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) Count(prefix string) int {
	n := 0
	for _, c := range r.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (r *recorder) Last() string {
	c := r.Calls()
	if len(c) == 0 {
		return ""
	}
	return c[len(c)-1]
}

func (r *recorder) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

type fakeNative struct{ recorder }

func (f *fakeNative) Connect(dev hfp.Device) bool         { return f.record("Connect", dev) }
func (f *fakeNative) Disconnect(dev hfp.Device) bool      { return f.record("Disconnect", dev) }
func (f *fakeNative) ConnectAudio(dev hfp.Device) bool    { return f.record("ConnectAudio", dev) }
func (f *fakeNative) DisconnectAudio(dev hfp.Device) bool { return f.record("DisconnectAudio", dev) }
func (f *fakeNative) StartVoiceRecognition(dev hfp.Device) bool {
	return f.record("StartVoiceRecognition", dev)
}
func (f *fakeNative) StopVoiceRecognition(dev hfp.Device) bool {
	return f.record("StopVoiceRecognition", dev)
}
func (f *fakeNative) SetVolume(_ hfp.Device, t hfp.VolumeType, level int) bool {
	return f.record("SetVolume", t, level)
}
func (f *fakeNative) AtResponseCode(_ hfp.Device, code ResponseCode, _ int) bool {
	return f.record("AtResponseCode", code)
}
func (f *fakeNative) AtResponseString(_ hfp.Device, resp string) bool {
	return f.record("AtResponseString", resp)
}
func (f *fakeNative) CindResponse(hfp.Device, DeviceStatus, PhoneState) bool {
	return f.record("CindResponse")
}
func (f *fakeNative) CopsResponse(_ hfp.Device, operator string) bool {
	return f.record("CopsResponse", operator)
}
func (f *fakeNative) ClccResponse(_ hfp.Device, entry call.Call) bool {
	return f.record("ClccResponse", entry.ID)
}
func (f *fakeNative) PhoneStateChange(_ hfp.Device, ps PhoneState) bool {
	return f.record("PhoneStateChange", ps)
}
func (f *fakeNative) NotifyDeviceStatus(hfp.Device, DeviceStatus) bool {
	return f.record("NotifyDeviceStatus")
}
func (f *fakeNative) SendBsir(_ hfp.Device, enabled bool) bool { return f.record("SendBsir", enabled) }
func (f *fakeNative) SetActiveDevice(dev hfp.Device) bool      { return f.record("SetActiveDevice", dev) }

type fakeSystem struct {
	recorder
	subscriber string
	operator   string
}

func (f *fakeSystem) AnswerCall(hfp.Device) bool { return f.record("AnswerCall") }
func (f *fakeSystem) HangupCall(hfp.Device) bool { return f.record("HangupCall") }
func (f *fakeSystem) Dial(_ hfp.Device, number string) bool {
	return f.record("Dial", number)
}
func (f *fakeSystem) SendDTMF(_ hfp.Device, code byte) bool { return f.record("SendDTMF", string(code)) }
func (f *fakeSystem) ProcessChld(_ hfp.Device, chld int) bool {
	return f.record("ProcessChld", chld)
}
func (f *fakeSystem) ListCurrentCalls(hfp.Device) bool { return f.record("ListCurrentCalls") }
func (f *fakeSystem) QueryPhoneState() bool            { return f.record("QueryPhoneState") }
func (f *fakeSystem) SubscriberNumber() string         { return f.subscriber }
func (f *fakeSystem) NetworkOperator() string          { return f.operator }
func (f *fakeSystem) ActivateVoiceRecognition() bool {
	return f.record("ActivateVoiceRecognition")
}
func (f *fakeSystem) DeactivateVoiceRecognition() bool {
	return f.record("DeactivateVoiceRecognition")
}

type harness struct {
	t      *testing.T
	cfg    Config
	svc    *Service
	native *fakeNative
	system *fakeSystem
	rec    *hfptest.Recorder
	clock  *hfptest.Clock
}

func newHarness(t *testing.T, cfg Config) *harness {
	h := &harness{
		t:      t,
		cfg:    cfg,
		native: &fakeNative{},
		system: &fakeSystem{subscriber: "+15551234", operator: "hfpd"},
		rec:    &hfptest.Recorder{},
		clock:  hfptest.NewClock(),
	}
	h.svc = NewService(Options{
		Config:   cfg,
		Native:   h.native,
		System:   h.system,
		Notifier: h.rec,
		Clock:    h.clock,
		Log:      hfptest.Logger(),
	})
	h.svc.Start()
	t.Cleanup(func() { h.svc.Close() })
	return h
}

func forcedSco() Config {
	cfg := DefaultConfig()
	cfg.ForceSco = true
	return cfg
}

// flush lets machines and the coordinator settle; they post to each other,
// so a few rounds are needed.
func (h *harness) flush() {
	for i := 0; i < 3; i++ {
		h.svc.coord.loop.Do(func() {})
		h.svc.machines.Each(func(_ hfp.Device, m *Machine) { m.loop.Do(func() {}) })
	}
}

func (h *harness) send(ev StackEvent) {
	h.t.Helper()
	require.NoError(h.t, h.svc.HandleEvent(ev))
	h.flush()
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.flush()
}

func (h *harness) phone(ps PhoneState) {
	h.t.Helper()
	require.NoError(h.t, h.svc.PhoneStateChanged(ps))
	h.flush()
}

// connect brings dev to a service level connection and forgets the calls it
// caused.
func (h *harness) connect(dev hfp.Device) {
	h.t.Helper()
	h.send(ConnectionEvent{Device: dev, State: LinkSLCConnected, Features: HFFeatureVoiceRecognition})
	st, err := h.svc.State(dev)
	require.NoError(h.t, err)
	require.Equal(h.t, hfp.ConnectionConnected, st.Connection)
	h.native.Reset()
	h.system.Reset()
}

func (h *harness) audioOn(dev hfp.Device) {
	h.t.Helper()
	require.NoError(h.t, h.svc.ConnectAudio(dev))
	h.send(AudioEvent{Device: dev, State: AudioLinkConnected})
	st, err := h.svc.State(dev)
	require.NoError(h.t, err)
	require.Equal(h.t, hfp.AudioConnected, st.Audio)
}

func TestIncomingConnectionBecomesActive(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.send(ConnectionEvent{Device: devA, State: LinkConnected})
	h.send(ConnectionEvent{Device: devA, State: LinkSLCConnected})

	conn := h.rec.Connection(devA)
	require.Len(t, conn, 2)
	assert.Equal(t, hfp.ConnectionConnecting, conn[0].State)
	assert.Equal(t, hfp.ConnectionConnected, conn[1].State)
	assert.Equal(t, []hfp.Device{devA}, h.rec.ActiveDevices())
	assert.Equal(t, devA, h.svc.ActiveDevice())
	assert.Contains(t, h.native.Calls(), "SetActiveDevice "+string(devA))
	assert.Equal(t, 1, h.system.Count("QueryPhoneState"))
}

func TestMaxConnectedDevices(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA)
	h.connect(devB)

	require.ErrorIs(t, h.svc.Connect(devC), hfp.ErrMaxConnections)

	h.send(ConnectionEvent{Device: devC, State: LinkConnected})
	assert.Equal(t, []string{"Disconnect " + string(devC)}, h.native.Calls())
	assert.Equal(t, []hfp.ConnectionStateChanged{{
		Device: devC, Prev: hfp.ConnectionDisconnected, State: hfp.ConnectionDisconnected,
	}}, h.rec.Connection(devC))
}

func TestConnectForbiddenByPolicy(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.svc.policy = hfp.NewDenyList(devA)
	require.ErrorIs(t, h.svc.Connect(devA), hfp.ErrPolicyForbidden)
	assert.Empty(t, h.native.Calls())
}

func TestRefusedLinksDoNotConsumeSlots(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	deny := hfp.NewDenyList()
	h.svc.policy = deny
	for i := 0; i < hfp.MaxMachines+10; i++ {
		d := hfp.Device(fmt.Sprintf("00:00:00:00:%02X:%02X", i/256, i%256))
		deny.Forbid(d)
		require.ErrorIs(t, h.svc.HandleEvent(ConnectionEvent{Device: d, State: LinkConnecting}), hfp.ErrPolicyForbidden)
	}
	assert.Empty(t, h.svc.Devices())
	assert.Empty(t, h.rec.All())

	h.connect(devA)
	require.NoError(t, h.svc.Connect(devB))
}

func TestIdleMachinesReclaimedAtLimit(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA)
	h.connect(devB)
	// Links beyond the connected device limit are refused and leave idle
	// machines behind.
	for i := 0; i < hfp.MaxMachines-2; i++ {
		h.send(ConnectionEvent{Device: hfp.Device(fmt.Sprintf("00:00:00:00:00:%02X", i)), State: LinkConnected})
	}
	require.Len(t, h.svc.Devices(), hfp.MaxMachines)

	h.send(ConnectionEvent{Device: devB, State: LinkDisconnected})
	require.NoError(t, h.svc.Connect(devC))
	assert.ElementsMatch(t, []hfp.Device{devA, devC}, h.svc.Devices())

	_, err := h.svc.State(devB)
	assert.ErrorIs(t, err, hfp.ErrUnknownDevice)
}

func TestConnectTimeout(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	require.NoError(t, h.svc.Connect(devA))
	assert.Equal(t, "Connect "+string(devA), h.native.Last())

	h.advance(h.cfg.LinkTimeout)
	assert.Equal(t, "Disconnect "+string(devA), h.native.Last())
	st, err := h.svc.State(devA)
	require.NoError(t, err)
	assert.Equal(t, hfp.ConnectionDisconnected, st.Connection)
}

func TestConnectAudioRejectedWhenNotAcceptable(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA)
	h.connect(devB)
	h.rec.Reset()

	require.ErrorIs(t, h.svc.ConnectAudio(devA), hfp.ErrNotInCall)
	audio := h.rec.Audio(devA)
	require.Len(t, audio, 1)
	assert.Equal(t, hfp.AudioDisconnected, audio[0].Prev)
	assert.Equal(t, hfp.AudioDisconnected, audio[0].State)

	require.ErrorIs(t, h.svc.ConnectAudio(devB), hfp.ErrNotActive)
	assert.Zero(t, h.native.Count("ConnectAudio"))

	st, err := h.svc.State(devA)
	require.NoError(t, err)
	assert.Equal(t, hfp.ConnectionConnected, st.Connection)
	assert.Equal(t, hfp.AudioDisconnected, st.Audio)
}

func TestAudioRouteNotAllowed(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA)
	h.svc.SetAudioRouteAllowed(false)
	h.phone(PhoneState{NumActive: 1})

	require.ErrorIs(t, h.svc.ConnectAudio(devA), hfp.ErrAudioRouteBlocked)
	assert.Zero(t, h.native.Count("ConnectAudio"))

	h.send(AudioEvent{Device: devA, State: AudioLinkConnecting})
	assert.Equal(t, "DisconnectAudio "+string(devA), h.native.Last())
	st, err := h.svc.State(devA)
	require.NoError(t, err)
	assert.Equal(t, hfp.AudioDisconnected, st.Audio)
}

func TestCallAudioFollowsTelecom(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA)

	h.phone(PhoneState{Setup: CallSetupDialing})
	assert.Equal(t, []string{
		"PhoneStateChange active=0 held=0 setup=dialing",
		"ConnectAudio " + string(devA),
	}, h.native.Calls())
	mode, dev := h.svc.Mode()
	assert.Equal(t, ModeTelecom, mode)
	assert.Equal(t, devA, dev)

	h.send(AudioEvent{Device: devA, State: AudioLinkConnected})
	h.phone(PhoneState{NumActive: 1})
	assert.Equal(t, 1, h.native.Count("ConnectAudio"))

	h.phone(PhoneState{})
	assert.Equal(t, "DisconnectAudio "+string(devA), h.native.Last())
	mode, _ = h.svc.Mode()
	assert.Equal(t, ModeNone, mode)
}

func TestAudioDisconnectRetryBound(t *testing.T) {
	h := newHarness(t, forcedSco())
	h.connect(devA)
	h.audioOn(devA)
	h.native.Reset()
	h.rec.Reset()

	require.NoError(t, h.svc.DisconnectAudio(devA))
	for i := 1; i <= h.cfg.AudioDisconnectRetries; i++ {
		h.advance(h.cfg.AudioTimeout)
		assert.Equal(t, i+1, h.native.Count("DisconnectAudio"), "retry %d", i)
		st, err := h.svc.State(devA)
		require.NoError(t, err)
		assert.Equal(t, hfp.AudioConnected, st.Audio)
	}
	assert.Empty(t, h.rec.All(), "retries are not visible")

	h.advance(h.cfg.AudioTimeout)
	assert.Equal(t, 4, h.native.Count("DisconnectAudio"))
	assert.Equal(t, "Disconnect "+string(devA), h.native.Last())
	st, err := h.svc.State(devA)
	require.NoError(t, err)
	assert.Equal(t, hfp.ConnectionDisconnecting, st.Connection)
	assert.Equal(t, hfp.AudioDisconnected, st.Audio)

	all := h.rec.All()
	require.Len(t, all, 2)
	assert.IsType(t, hfp.AudioStateChanged{}, all[0])
	assert.IsType(t, hfp.ConnectionStateChanged{}, all[1])

	h.advance(h.cfg.LinkTimeout)
	assert.Equal(t, 4, h.native.Count("DisconnectAudio"))
	st, err = h.svc.State(devA)
	require.NoError(t, err)
	assert.Equal(t, hfp.ConnectionDisconnected, st.Connection)
}

func TestRetryCounterResetsOnFreshAudio(t *testing.T) {
	h := newHarness(t, forcedSco())
	h.connect(devA)
	h.audioOn(devA)

	require.NoError(t, h.svc.DisconnectAudio(devA))
	h.advance(h.cfg.AudioTimeout)
	h.advance(h.cfg.AudioTimeout)
	h.send(AudioEvent{Device: devA, State: AudioLinkDisconnected})
	h.audioOn(devA)
	h.native.Reset()

	require.NoError(t, h.svc.DisconnectAudio(devA))
	for i := 0; i < h.cfg.AudioDisconnectRetries; i++ {
		h.advance(h.cfg.AudioTimeout)
	}
	assert.Zero(t, h.native.Count("Disconnect "), "three retries are allowed again")
}

func TestDisconnectWithAudioTearsAudioDownFirst(t *testing.T) {
	h := newHarness(t, forcedSco())
	h.connect(devA)
	h.audioOn(devA)
	h.native.Reset()

	require.NoError(t, h.svc.Disconnect(devA))
	assert.Equal(t, []string{"DisconnectAudio " + string(devA)}, h.native.Calls())

	h.send(AudioEvent{Device: devA, State: AudioLinkDisconnected})
	assert.Equal(t, []string{
		"DisconnectAudio " + string(devA),
		"Disconnect " + string(devA),
	}, h.native.Calls())
	st, err := h.svc.State(devA)
	require.NoError(t, err)
	assert.Equal(t, hfp.ConnectionDisconnecting, st.Connection)
}

func TestSetActiveDeviceDisconnectsPreviousAudioFirst(t *testing.T) {
	h := newHarness(t, forcedSco())
	h.connect(devA)
	h.connect(devB)
	require.NoError(t, h.svc.SetActiveDevice(devB))
	h.audioOn(devB)
	h.native.Reset()

	require.NoError(t, h.svc.SetActiveDevice(devA))
	assert.Equal(t, []string{
		"DisconnectAudio " + string(devB),
		"SetActiveDevice " + string(devA),
	}, h.native.Calls())
	assert.Equal(t, devA, h.svc.ActiveDevice())
	assert.Equal(t, []hfp.Device{devA, devB, devA}, h.rec.ActiveDevices())
}

func TestSetActiveDeviceFailsAtomically(t *testing.T) {
	h := newHarness(t, forcedSco())
	h.connect(devA)
	h.connect(devB)
	require.NoError(t, h.svc.SetActiveDevice(devB))
	h.audioOn(devB)
	h.native.Reject("DisconnectAudio")
	h.native.Reset()
	h.rec.Reset()

	err := h.svc.SetActiveDevice(devA)
	require.ErrorIs(t, err, hfp.ErrLinkRejected)
	assert.Equal(t, devB, h.svc.ActiveDevice())
	assert.Empty(t, h.rec.ActiveDevices())
	assert.Zero(t, h.native.Count("SetActiveDevice"))

	st, err := h.svc.State(devB)
	require.NoError(t, err)
	assert.Equal(t, hfp.AudioConnected, st.Audio)
	assert.True(t, st.Active)
}

func TestSetActiveDeviceRequiresConnection(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA)
	require.ErrorIs(t, h.svc.SetActiveDevice(devB), hfp.ErrUnknownDevice)

	require.NoError(t, h.svc.Connect(devB))
	require.ErrorIs(t, h.svc.SetActiveDevice(devB), hfp.ErrNotConnected)
	assert.Equal(t, devA, h.svc.ActiveDevice())

	require.NoError(t, h.svc.SetActiveDevice(""))
	assert.Equal(t, hfp.Device(""), h.svc.ActiveDevice())
}

func TestLinkLossClearsActiveDevice(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA)
	h.send(ConnectionEvent{Device: devA, State: LinkDisconnected})
	assert.Equal(t, []hfp.Device{devA, ""}, h.rec.ActiveDevices())
	assert.Equal(t, hfp.Device(""), h.svc.ActiveDevice())
}

func TestVoiceRecognitionRequestTimesOut(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA)

	h.send(VoiceRecognitionEvent{Device: devA, Active: true})
	assert.Equal(t, 1, h.system.Count("ActivateVoiceRecognition"))
	assert.Zero(t, h.native.Count("AtResponseCode"))

	h.advance(h.cfg.VoiceRecognitionTimeout - time.Millisecond)
	assert.Zero(t, h.native.Count("AtResponseCode"))
	h.advance(time.Millisecond)
	assert.Equal(t, "AtResponseCode ERROR", h.native.Last())
	mode, _ := h.svc.Mode()
	assert.Equal(t, ModeNone, mode)
}

func TestVoiceRecognitionRequestAnsweredByAssistant(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA)

	h.send(VoiceRecognitionEvent{Device: devA, Active: true})
	require.NoError(t, h.svc.StartVoiceRecognition(devA))
	assert.Equal(t, []string{"AtResponseCode OK", "ConnectAudio " + string(devA)}, h.native.Calls())
	mode, dev := h.svc.Mode()
	assert.Equal(t, ModeVoiceRecognition, mode)
	assert.Equal(t, devA, dev)
	assert.Equal(t, 1, h.rec.Count(func(n hfp.Notification) bool {
		vr, ok := n.(hfp.VoiceRecognitionChanged)
		return ok && vr.Active
	}))

	h.advance(h.cfg.VoiceRecognitionTimeout)
	assert.Zero(t, h.native.Count("AtResponseCode ERROR"))

	h.send(AudioEvent{Device: devA, State: AudioLinkConnected})
	h.send(VoiceRecognitionEvent{Device: devA, Active: false})
	assert.Equal(t, 2, h.native.Count("AtResponseCode OK"))
	assert.Equal(t, "DisconnectAudio "+string(devA), h.native.Last())
	assert.Equal(t, 1, h.system.Count("DeactivateVoiceRecognition"))
	mode, _ = h.svc.Mode()
	assert.Equal(t, ModeNone, mode)
}

func TestVoiceRecognitionFromApplication(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA)
	h.connect(devB)

	require.ErrorIs(t, h.svc.StartVoiceRecognition(devB), hfp.ErrNotActive)
	require.ErrorIs(t, h.svc.StopVoiceRecognition(devA), hfp.ErrInvalidState)

	require.NoError(t, h.svc.StartVoiceRecognition(devA))
	assert.Equal(t, []string{
		"StartVoiceRecognition " + string(devA),
		"ConnectAudio " + string(devA),
	}, h.native.Calls())

	h.send(AudioEvent{Device: devA, State: AudioLinkConnected})
	require.NoError(t, h.svc.StopVoiceRecognition(devA))
	assert.Contains(t, h.native.Calls(), "StopVoiceRecognition "+string(devA))
	assert.Equal(t, "DisconnectAudio "+string(devA), h.native.Last())

	h.phone(PhoneState{NumActive: 1})
	require.ErrorIs(t, h.svc.StartVoiceRecognition(devA), hfp.ErrBusy)
}

func TestDialOut(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA)

	h.send(DialEvent{Device: devA, Number: "5551234;"})
	assert.Equal(t, "Dial 5551234", h.system.Last())
	assert.Zero(t, h.native.Count("AtResponseCode"))

	h.phone(PhoneState{Setup: CallSetupDialing})
	assert.Equal(t, 1, h.native.Count("AtResponseCode OK"))

	h.phone(PhoneState{})
	h.system.Reset()
	h.send(DialEvent{Device: devA})
	assert.Equal(t, []string{"Dial 5551234"}, h.system.Calls())
	h.advance(h.cfg.DialOutTimeout)
	assert.Equal(t, 1, h.native.Count("AtResponseCode ERROR"))

	h.system.Reset()
	h.send(DialEvent{Device: devA, Number: ">3"})
	assert.Empty(t, h.system.Calls())
	assert.Equal(t, 2, h.native.Count("AtResponseCode ERROR"))
}

func TestDialRejectedByTelephony(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA)
	h.system.Reject("Dial")

	h.send(DialEvent{Device: devA, Number: "5551234"})
	assert.Equal(t, "AtResponseCode ERROR", h.native.Last())

	h.send(DialEvent{Device: devA})
	assert.Equal(t, 2, h.native.Count("AtResponseCode ERROR"), "nothing to redial")
	assert.Equal(t, 1, h.system.Count("Dial"))
}

func TestClccResponse(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA)

	h.send(ClccEvent{Device: devA})
	require.NoError(t, h.svc.ClccResponse(devA, call.Call{ID: 1, State: call.StateActive, Number: "123"}))
	require.NoError(t, h.svc.ClccResponse(devA, call.Call{}))
	h.flush()
	assert.Equal(t, []string{"ClccResponse 1", "ClccResponse 0"}, h.native.Calls())

	h.advance(h.cfg.ClccResponseTimeout)
	assert.Equal(t, 2, h.native.Count("ClccResponse"))
}

func TestClccResponseTimeout(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA)

	h.send(ClccEvent{Device: devA})
	require.NoError(t, h.svc.ClccResponse(devA, call.Call{ID: 1, State: call.StateHeld}))
	h.advance(h.cfg.ClccResponseTimeout)
	assert.Equal(t, []string{"ClccResponse 1", "ClccResponse 0"}, h.native.Calls())

	require.NoError(t, h.svc.ClccResponse(devA, call.Call{}))
	h.flush()
	assert.Equal(t, 2, h.native.Count("ClccResponse"), "late entries are dropped")

	h.system.Reject("ListCurrentCalls")
	h.send(ClccEvent{Device: devA})
	assert.Equal(t, "ClccResponse 0", h.native.Last())
}

func TestVirtualCall(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA)

	require.NoError(t, h.svc.StartVirtualCall(""))
	assert.Equal(t, []string{
		"PhoneStateChange active=0 held=0 setup=dialing",
		"PhoneStateChange active=0 held=0 setup=alerting",
		"PhoneStateChange active=1 held=0 setup=idle",
		"ConnectAudio " + string(devA),
	}, h.native.Calls())
	mode, dev := h.svc.Mode()
	assert.Equal(t, ModeVirtualCall, mode)
	assert.Equal(t, devA, dev)

	h.send(AudioEvent{Device: devA, State: AudioLinkConnected})
	h.native.Reset()
	h.send(HangupCallEvent{Device: devA})
	assert.Equal(t, "AtResponseCode OK", h.native.Calls()[0])
	assert.Equal(t, "DisconnectAudio "+string(devA), h.native.Last())
	assert.Zero(t, h.system.Count("HangupCall"))
	mode, _ = h.svc.Mode()
	assert.Equal(t, ModeNone, mode)
	require.ErrorIs(t, h.svc.StopVirtualCall(devA), hfp.ErrInvalidState)
}

func TestTelecomCallTakesOverVirtualCall(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA)
	require.NoError(t, h.svc.StartVirtualCall(devA))

	h.phone(PhoneState{Setup: CallSetupIncoming, Number: "5550000"})
	mode, _ := h.svc.Mode()
	assert.Equal(t, ModeTelecom, mode)
	require.ErrorIs(t, h.svc.StartVirtualCall(devA), hfp.ErrBusy)
}

func TestStaleSessionStoppedDefensively(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA)
	h.connect(devB)
	h.svc.coord.update(func(p *policy) {
		p.mode, p.modeDevice = ModeVoiceRecognition, devB
	})

	require.NoError(t, h.svc.StartVirtualCall(devA))
	assert.Contains(t, h.native.Calls(), "StopVoiceRecognition "+string(devB))
	assert.Equal(t, 1, h.system.Count("DeactivateVoiceRecognition"))
	mode, dev := h.svc.Mode()
	assert.Equal(t, ModeVirtualCall, mode)
	assert.Equal(t, devA, dev)
}

func TestATCommands(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA)

	h.send(CindEvent{Device: devA})
	h.send(CopsEvent{Device: devA})
	h.send(SubscriberNumberEvent{Device: devA})
	assert.Equal(t, []string{
		"CindResponse",
		"CopsResponse hfpd",
		`AtResponseString +CNUM: ,"+15551234",145,,4`,
		"AtResponseCode OK",
	}, h.native.Calls())

	h.native.Reset()
	h.send(DTMFEvent{Device: devA, Code: '5'})
	h.send(ChldEvent{Device: devA, Chld: 2})
	h.system.Reject("ProcessChld")
	h.send(ChldEvent{Device: devA, Chld: 1})
	h.send(AnswerCallEvent{Device: devA})
	h.send(NoiseReductionEvent{Device: devA})
	assert.Equal(t, []string{"SendDTMF 5", "ProcessChld 2", "ProcessChld 1"}, h.system.Calls())
	assert.Equal(t, []string{
		"AtResponseCode OK",
		"AtResponseCode OK",
		"AtResponseCode ERROR",
		"AtResponseCode ERROR",
		"AtResponseCode OK",
	}, h.native.Calls())

	h.native.Reset()
	h.send(VolumeEvent{Device: devA, Type: hfp.VolumeSpeaker, Level: 9})
	h.send(VolumeEvent{Device: devA, Type: hfp.VolumeSpeaker, Level: 16})
	assert.Equal(t, []string{"AtResponseCode OK", "AtResponseCode ERROR"}, h.native.Calls())
	st, err := h.svc.State(devA)
	require.NoError(t, err)
	assert.Equal(t, 9, st.Speaker)
	assert.False(t, st.NREC)
}

func TestVendorCommands(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA)

	h.send(UnknownATEvent{Device: devA, Command: "+XAPL=ABCD-1234-0100,10"})
	assert.Equal(t, []string{"AtResponseString +XAPL=iPhone,2", "AtResponseCode OK"}, h.native.Calls())

	h.send(UnknownATEvent{Device: devA, Command: "+IPHONEACCEV=2,1,5,2,0"})
	assert.Equal(t, 1, h.rec.Count(func(n hfp.Notification) bool {
		i, ok := n.(hfp.HFIndicatorChanged)
		return ok && i.Indicator == HFIndicatorBattery && i.Value == 60
	}))
	assert.Equal(t, 2, h.rec.Count(func(n hfp.Notification) bool {
		v, ok := n.(hfp.VendorEvent)
		return ok && v.VendorID == VendorApple
	}))

	h.native.Reset()
	h.send(UnknownATEvent{Device: devA, Command: "+IPHONEACCEV=2,1"})
	h.send(UnknownATEvent{Device: devA, Command: "+FOO=1"})
	assert.Equal(t, []string{"AtResponseCode ERROR", "AtResponseCode ERROR"}, h.native.Calls())

	require.NoError(t, h.svc.SendVendorResult(devA, VendorApple, "+XAPL=iPhone,2"))
	require.ErrorIs(t, h.svc.SendVendorResult(devA, VendorApple, "+XEVENT=1"), hfp.ErrUnsupported)
	require.ErrorIs(t, h.svc.SendVendorResult(devA, 0x1234, "+XAPL=1"), hfp.ErrUnsupported)
}

func TestHFIndicators(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA)

	h.send(BindEvent{Device: devA, Indicators: []int{HFIndicatorSafety, HFIndicatorBattery}})
	h.send(BievEvent{Device: devA, Indicator: 3, Value: 1})
	h.send(BievEvent{Device: devA, Indicator: HFIndicatorBattery, Value: 80})
	assert.Equal(t, []string{"AtResponseCode OK", "AtResponseCode ERROR", "AtResponseCode OK"}, h.native.Calls())
	assert.Equal(t, 1, h.rec.Count(func(n hfp.Notification) bool {
		i, ok := n.(hfp.HFIndicatorChanged)
		return ok && i.Value == 80
	}))
}

func TestKeyPressed(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA)

	h.send(KeyPressedEvent{Device: devA})
	assert.Equal(t, "AtResponseCode ERROR", h.native.Last(), "idle without a number to redial")

	h.phone(PhoneState{Setup: CallSetupIncoming})
	h.send(KeyPressedEvent{Device: devA})
	assert.Equal(t, "AnswerCall", h.system.Last())

	h.phone(PhoneState{NumActive: 1})
	h.send(AudioEvent{Device: devA, State: AudioLinkConnected})
	h.send(KeyPressedEvent{Device: devA})
	assert.Equal(t, "HangupCall", h.system.Last())
}

func TestCommandsIgnoredWithoutConnection(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	require.NoError(t, h.svc.Connect(devA))
	require.NoError(t, h.svc.Disconnect(devA))
	h.send(ConnectionEvent{Device: devA, State: LinkDisconnected})
	h.native.Reset()

	h.send(CindEvent{Device: devA})
	assert.Empty(t, h.native.Calls())
	require.ErrorIs(t, h.svc.HandleEvent(CindEvent{Device: devC}), hfp.ErrUnknownDevice)
}

func TestCleanupAndClose(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.connect(devA)
	require.ErrorIs(t, h.svc.Cleanup(devA), hfp.ErrInvalidState)

	h.send(ConnectionEvent{Device: devA, State: LinkDisconnected})
	require.NoError(t, h.svc.Cleanup(devA))
	assert.Empty(t, h.svc.Devices())

	require.NoError(t, h.svc.Close())
	require.ErrorIs(t, h.svc.Connect(devA), hfp.ErrClosed)
	require.ErrorIs(t, h.svc.SetActiveDevice(devA), hfp.ErrClosed)
}

// TestRandomInputsKeepTransitionsLegal drives one device with random stack
// events, requests, telephony updates and timer expiries. An illegal
// transition would panic on the machine loop; the notifications must also
// chain, each one starting where the previous ended.
func TestRandomInputsKeepTransitionsLegal(t *testing.T) {
	h := newHarness(t, forcedSco())
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		switch rng.Intn(10) {
		case 0:
			h.svc.Connect(devA)
		case 1:
			h.svc.Disconnect(devA)
		case 2:
			h.svc.ConnectAudio(devA)
		case 3:
			h.svc.DisconnectAudio(devA)
		case 4:
			h.svc.HandleEvent(ConnectionEvent{Device: devA, State: LinkState(rng.Intn(5))})
		case 5:
			h.svc.HandleEvent(AudioEvent{Device: devA, State: AudioLinkState(rng.Intn(4))})
		case 6:
			h.clock.Advance(time.Duration(rng.Intn(12)) * time.Second)
		case 7:
			h.svc.PhoneStateChanged(PhoneState{NumActive: rng.Intn(2), Setup: CallSetup(rng.Intn(4))})
		case 8:
			h.svc.SetActiveDevice(devA)
		case 9:
			h.svc.HandleEvent(KeyPressedEvent{Device: devA})
		}
		h.flush()
	}

	conn := h.rec.Connection(devA)
	prev := hfp.ConnectionDisconnected
	for i, c := range conn {
		require.Equal(t, prev, c.Prev, "connection notification %d", i)
		prev = c.State
	}
	audio := h.rec.Audio(devA)
	prevAudio := hfp.AudioDisconnected
	for i, a := range audio {
		require.Equal(t, prevAudio, a.Prev, "audio notification %d", i)
		prevAudio = a.State
	}
}
