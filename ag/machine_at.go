package ag

import (
	"fmt"
	"strconv"
	"strings"

	"hfpd/call"
	"hfpd/hfp"
)

// Vendors with AT extensions understood by the gateway.
const (
	VendorApple       = 0x004C
	VendorPlantronics = 0x0055
)

const (
	xaplCommand        = "+XAPL="
	iphoneAccevCommand = "+IPHONEACCEV="
	xeventCommand      = "+XEVENT="

	// xaplFeatures advertises battery reporting in the +XAPL reply.
	xaplFeatures = 2
	// accevBattery is the +IPHONEACCEV key of the battery level (0-9).
	accevBattery = 1
)

// HF indicators assigned by the Bluetooth SIG.
const (
	HFIndicatorSafety  = 1
	HFIndicatorBattery = 2
)

// vendorResults lists the result prefixes an application may send per vendor.
var vendorResults = map[int][]string{
	VendorApple:       {xaplCommand, iphoneAccevCommand},
	VendorPlantronics: {xeventCommand},
}

func (m *Machine) respond(ok bool) {
	code := ResponseOK
	if !ok {
		code = ResponseError
	}
	m.env.native.AtResponseCode(m.dev, code, 0)
}

// phone returns the phone state as seen by this headset: a virtual call on
// it is reported as one active call.
func (m *Machine) phone() PhoneState {
	p := m.env.coord.snapshot()
	if p.mode == ModeVirtualCall && p.modeDevice == m.dev {
		return PhoneState{NumActive: 1}
	}
	return p.phone
}

func (m *Machine) onCommand(ev StackEvent) {
	switch e := ev.(type) {
	case VoiceRecognitionEvent:
		m.onVoiceRecognition(e.Active)
	case AnswerCallEvent:
		if !m.phone().Ringing() {
			m.log.Debug("answer without ringing call")
			m.respond(false)
			return
		}
		m.respond(m.env.system.AnswerCall(m.dev))
	case HangupCallEvent:
		m.onHangup()
	case VolumeEvent:
		m.onVolume(e)
	case DialEvent:
		m.onDial(e.Number)
	case DTMFEvent:
		m.respond(m.env.system.SendDTMF(m.dev, e.Code))
	case NoiseReductionEvent:
		m.nrec = e.Enabled
		m.respond(true)
	case ChldEvent:
		m.respond(m.env.system.ProcessChld(m.dev, e.Chld))
	case SubscriberNumberEvent:
		if n := m.env.system.SubscriberNumber(); n != "" {
			m.env.native.AtResponseString(m.dev, fmt.Sprintf("+CNUM: ,\"%s\",%d,,4", n, numberType(n)))
		}
		m.respond(true)
	case CindEvent:
		m.env.native.CindResponse(m.dev, m.env.coord.snapshot().status, m.phone())
	case CopsEvent:
		m.env.native.CopsResponse(m.dev, m.env.system.NetworkOperator())
	case ClccEvent:
		m.onClcc()
	case UnknownATEvent:
		m.onUnknownAT(e.Command)
	case KeyPressedEvent:
		m.onKeyPressed()
	case CodecEvent:
		m.log.WithField("codec", e.Codec).Debug("codec confirmed")
		m.link.SetCodec(e.Codec)
	case BindEvent:
		for _, id := range e.Indicators {
			m.hfIndicators[id] = true
		}
		m.respond(true)
	case BievEvent:
		if len(m.hfIndicators) > 0 && !m.hfIndicators[e.Indicator] {
			m.log.WithField("indicator", e.Indicator).Warn("value for unbound HF indicator")
			m.respond(false)
			return
		}
		m.env.notifier.Notify(hfp.HFIndicatorChanged{Device: m.dev, Indicator: e.Indicator, Value: e.Value})
		m.respond(true)
	default:
		m.log.WithField("event", ev).Warn("unhandled stack event")
	}
}

func numberType(n string) int {
	if strings.HasPrefix(n, "+") {
		return 145
	}
	return 129
}

func (m *Machine) onHangup() {
	if p := m.env.coord.snapshot(); p.mode == ModeVirtualCall && p.modeDevice == m.dev {
		m.respond(true)
		m.env.coord.post(func() {
			if err := m.env.coord.stopVirtualCall(m.dev); err != nil {
				m.log.WithError(err).Warn("could not end virtual call")
			}
		})
		return
	}
	m.respond(m.env.system.HangupCall(m.dev))
}

func (m *Machine) onVolume(e VolumeEvent) {
	if e.Level < 0 || e.Level > hfp.MaxVolume {
		m.log.WithField("level", e.Level).Warn("volume out of range")
		m.respond(false)
		return
	}
	m.volumes[e.Type] = e.Level
	m.env.audio.SetVolume(m.dev, e.Type, e.Level)
	m.env.notifier.Notify(hfp.VolumeChanged{Device: m.dev, Type: e.Type, Level: e.Level})
	m.respond(true)
}

// onDial resolves the number and hands it to the coordinator. The command
// is answered by dialResult.
func (m *Machine) onDial(number string) {
	if m.awaitDial {
		m.log.Warn("dial while another dial is pending")
		m.respond(false)
		return
	}
	switch {
	case number == "":
		number = m.env.coord.snapshot().lastDialed
		if number == "" {
			m.log.Info("redial without a last dialed number")
			m.respond(false)
			return
		}
	case strings.HasPrefix(number, ">"):
		m.log.WithField("number", number).Info("memory dialing is not supported")
		m.respond(false)
		return
	}
	number = strings.TrimSuffix(number, ";")
	m.awaitDial = true
	dev := m.dev
	m.env.coord.post(func() { m.env.coord.dialOut(dev, number) })
}

func (m *Machine) dialResult(ok bool) {
	if !m.awaitDial {
		return
	}
	m.awaitDial = false
	m.respond(ok)
}

// onVoiceRecognition forwards AT+BVRA to the coordinator; the command is
// answered by voiceRecognitionResult.
func (m *Machine) onVoiceRecognition(active bool) {
	if m.awaitVR {
		m.log.Warn("voice recognition request while another is pending")
		m.respond(false)
		return
	}
	m.awaitVR = true
	dev, c := m.dev, m.env.coord
	if active {
		c.post(func() { c.voiceRecognitionRequested(dev) })
	} else {
		c.post(func() { c.voiceRecognitionStopRequested(dev) })
	}
}

func (m *Machine) voiceRecognitionResult(ok bool) {
	if !m.awaitVR {
		return
	}
	m.awaitVR = false
	m.respond(ok)
}

func (m *Machine) onClcc() {
	if p := m.env.coord.snapshot(); p.mode == ModeVirtualCall && p.modeDevice == m.dev {
		m.env.native.ClccResponse(m.dev, call.Call{ID: 1, State: call.StateActive, Outgoing: true})
		m.env.native.ClccResponse(m.dev, call.Call{})
		return
	}
	if m.clccPending {
		m.log.Debug("call list already requested")
		return
	}
	if !m.env.system.ListCurrentCalls(m.dev) {
		m.env.native.ClccResponse(m.dev, call.Call{})
		return
	}
	m.clccPending = true
	m.timers.Start(timerClcc, m.env.cfg.ClccResponseTimeout, func() {
		m.clccTimeout()
		m.replay()
	})
}

// clccResponse relays one call list entry; ID 0 ends the list.
func (m *Machine) clccResponse(entry call.Call) {
	if !m.clccPending {
		m.log.WithField("call", entry).Debug("dropping unsolicited call list entry")
		return
	}
	m.env.native.ClccResponse(m.dev, entry)
	if entry.ID == 0 {
		m.clccPending = false
		m.timers.Cancel(timerClcc)
	}
}

func (m *Machine) clccTimeout() {
	if !m.clccPending {
		return
	}
	m.log.Warn("call list not answered in time, ending it")
	m.clccPending = false
	m.env.native.ClccResponse(m.dev, call.Call{})
}

func (m *Machine) onUnknownAT(cmd string) {
	switch {
	case strings.HasPrefix(cmd, xaplCommand):
		m.env.notifier.Notify(hfp.VendorEvent{Device: m.dev, VendorID: VendorApple, Command: cmd})
		m.env.native.AtResponseString(m.dev, "+XAPL=iPhone,"+strconv.Itoa(xaplFeatures))
		m.respond(true)
	case strings.HasPrefix(cmd, iphoneAccevCommand):
		level, err := parseAccevBattery(strings.TrimPrefix(cmd, iphoneAccevCommand))
		if err != nil {
			m.log.WithError(err).WithField("command", cmd).Warn("bad +IPHONEACCEV")
			m.respond(false)
			return
		}
		m.env.notifier.Notify(hfp.VendorEvent{Device: m.dev, VendorID: VendorApple, Command: cmd})
		if level >= 0 {
			m.env.notifier.Notify(hfp.HFIndicatorChanged{Device: m.dev, Indicator: HFIndicatorBattery, Value: (level + 1) * 10})
		}
		m.respond(true)
	case strings.HasPrefix(cmd, xeventCommand):
		m.env.notifier.Notify(hfp.VendorEvent{Device: m.dev, VendorID: VendorPlantronics, Command: cmd})
		m.respond(true)
	default:
		m.log.WithField("command", cmd).Debug("unknown AT command")
		m.respond(false)
	}
}

// parseAccevBattery reads "<n>,<key>,<value>,..." and returns the battery
// level, or -1 when the command carries none.
func parseAccevBattery(args string) (int, error) {
	f := strings.Split(args, ",")
	n, err := strconv.Atoi(strings.TrimSpace(f[0]))
	if err != nil {
		return 0, fmt.Errorf("pair count: %w", err)
	}
	if len(f) != 1+2*n {
		return 0, fmt.Errorf("want %d pairs, got %d fields", n, len(f)-1)
	}
	level := -1
	for i := 1; i < len(f); i += 2 {
		key, err := strconv.Atoi(strings.TrimSpace(f[i]))
		if err != nil {
			return 0, fmt.Errorf("key: %w", err)
		}
		val, err := strconv.Atoi(strings.TrimSpace(f[i+1]))
		if err != nil {
			return 0, fmt.Errorf("value: %w", err)
		}
		if key == accevBattery && val >= 0 && val <= 9 {
			level = val
		}
	}
	return level, nil
}

// onKeyPressed answers a ringing call, toggles audio during a call and
// redials when idle.
func (m *Machine) onKeyPressed() {
	ps := m.phone()
	switch {
	case ps.Ringing():
		m.respond(m.env.system.AnswerCall(m.dev))
	case ps.InCall():
		if m.link.Audio() == hfp.AudioDisconnected {
			m.respond(m.connectAudio() == nil)
			return
		}
		m.respond(m.env.system.HangupCall(m.dev))
	default:
		number := m.env.coord.snapshot().lastDialed
		if number == "" {
			m.respond(false)
			return
		}
		m.respond(true)
		dev, c := m.dev, m.env.coord
		c.post(func() { c.dialOut(dev, number) })
	}
}

func (m *Machine) linked() error {
	if !m.link.State().Linked() {
		return hfp.ErrNotConnected
	}
	return nil
}

func (m *Machine) setVolume(t hfp.VolumeType, level int) error {
	if level < 0 || level > hfp.MaxVolume {
		return fmt.Errorf("volume %d: %w", level, hfp.ErrInvalidState)
	}
	if err := m.linked(); err != nil {
		return err
	}
	if !m.env.native.SetVolume(m.dev, t, level) {
		return hfp.ErrLinkRejected
	}
	m.volumes[t] = level
	return nil
}

func (m *Machine) sendVendorResult(vendorID int, result string) error {
	prefixes, ok := vendorResults[vendorID]
	if !ok {
		return fmt.Errorf("vendor %#04x: %w", vendorID, hfp.ErrUnsupported)
	}
	valid := false
	for _, p := range prefixes {
		if strings.HasPrefix(result, p) {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("result %q for vendor %#04x: %w", result, vendorID, hfp.ErrUnsupported)
	}
	if err := m.linked(); err != nil {
		return err
	}
	if !m.env.native.AtResponseString(m.dev, result) {
		return hfp.ErrLinkRejected
	}
	return nil
}

// The following run on behalf of the coordinator.

func (m *Machine) activate() {
	m.env.native.SetActiveDevice(m.dev)
}

func (m *Machine) startVoiceRecognition() error {
	if err := m.linked(); err != nil {
		return err
	}
	if !m.env.native.StartVoiceRecognition(m.dev) {
		return hfp.ErrLinkRejected
	}
	return nil
}

func (m *Machine) stopVoiceRecognition() {
	if m.linked() == nil {
		m.env.native.StopVoiceRecognition(m.dev)
	}
}

// beginVirtualCall walks the headset through an outgoing call setup.
func (m *Machine) beginVirtualCall() error {
	if err := m.linked(); err != nil {
		return err
	}
	for _, ps := range []PhoneState{
		{Setup: CallSetupDialing},
		{Setup: CallSetupAlerting},
		{NumActive: 1},
	} {
		m.env.native.PhoneStateChange(m.dev, ps)
	}
	return nil
}

func (m *Machine) endVirtualCall(ps PhoneState) {
	if m.linked() == nil {
		m.env.native.PhoneStateChange(m.dev, ps)
	}
}

func (m *Machine) phoneStateChanged(ps PhoneState) {
	if m.linked() != nil {
		return
	}
	if p := m.env.coord.snapshot(); p.mode == ModeVirtualCall && p.modeDevice == m.dev {
		return
	}
	m.env.native.PhoneStateChange(m.dev, ps)
}

func (m *Machine) deviceStatusChanged(st DeviceStatus) {
	if m.linked() == nil {
		m.env.native.NotifyDeviceStatus(m.dev, st)
	}
}

func (m *Machine) setInBandRing(on bool) {
	if m.linked() == nil {
		m.env.native.SendBsir(m.dev, on)
	}
}
