package client

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"hfpd/call"
	"hfpd/hfp"
)

// AcceptFlag selects what happens to the active call when another one is
// accepted.
type AcceptFlag int

const (
	AcceptNone AcceptFlag = iota
	AcceptHold
	AcceptTerminate
)

func (f AcceptFlag) String() string {
	switch f {
	case AcceptNone:
		return "none"
	case AcceptHold:
		return "hold"
	case AcceptTerminate:
		return "terminate"
	}
	return "unknown"
}

const dtmfCodes = "0123456789*#ABCD"

func (m *Machine) linked() error {
	if !m.link.State().Linked() {
		return hfp.ErrNotConnected
	}
	return nil
}

// findCall returns the first call, by id, in the first of states that has
// one.
func (m *Machine) findCall(states ...call.State) *call.Call {
	ids := m.callIDs()
	for _, s := range states {
		for _, id := range ids {
			if c := m.calls[id]; c.State == s {
				return c
			}
		}
	}
	return nil
}

// expectAll builds expectations moving every call in from to state.
func (m *Machine) expectAll(from call.State, to call.State) []expectation {
	var out []expectation
	for _, id := range m.callIDs() {
		if m.calls[id].State == from {
			out = append(out, expectation{id: id, state: to})
		}
	}
	return out
}

func (m *Machine) callAction(tag actionTag, action Action, index int, expect []expectation) error {
	m.log.WithFields(logrus.Fields{"action": action, "index": index}).Debug("call action")
	if !m.env.native.HandleCallAction(m.dev, action, index) {
		m.log.WithField("action", action).Warn("native call action rejected")
		return hfp.ErrLinkRejected
	}
	m.enqueue(tag, expect)
	return nil
}

func (m *Machine) acceptCall(flag AcceptFlag) error {
	if err := m.linked(); err != nil {
		return err
	}
	c := m.findCall(call.StateIncoming, call.StateWaiting)
	if c == nil {
		c = m.findCall(call.StateHeldByResponseAndHold, call.StateHeld)
	}
	if c == nil {
		return hfp.ErrNoCall
	}
	active := m.findCall(call.StateActive) != nil
	target := expectation{id: c.ID, state: call.StateActive}

	switch c.State {
	case call.StateIncoming:
		if flag != AcceptNone {
			return hfp.ErrInvalidState
		}
		return m.callAction(tagAccept, ActionATA, 0, []expectation{target})
	case call.StateWaiting:
		if !active {
			if flag != AcceptNone {
				return hfp.ErrInvalidState
			}
			return m.callAction(tagAccept, ActionCHLD2, 0, []expectation{target})
		}
		if flag == AcceptTerminate {
			expect := append(m.expectAll(call.StateActive, call.StateTerminated), target)
			return m.callAction(tagAccept, ActionCHLD1, 0, expect)
		}
		expect := append(m.expectAll(call.StateActive, call.StateHeld), target)
		return m.callAction(tagAccept, ActionCHLD2, 0, expect)
	case call.StateHeld:
		switch {
		case flag == AcceptHold:
			expect := append(m.expectAll(call.StateActive, call.StateHeld), m.expectAll(call.StateHeld, call.StateActive)...)
			return m.callAction(tagAccept, ActionCHLD2, 0, expect)
		case flag == AcceptTerminate:
			expect := append(m.expectAll(call.StateActive, call.StateTerminated), m.expectAll(call.StateHeld, call.StateActive)...)
			return m.callAction(tagAccept, ActionCHLD1, 0, expect)
		case active:
			var expect []expectation
			for _, id := range m.callIDs() {
				if s := m.calls[id].State; s == call.StateActive || s == call.StateHeld {
					expect = append(expect, expectation{id: id, state: call.StateActive, multiparty: true})
				}
			}
			return m.callAction(tagAccept, ActionCHLD3, 0, expect)
		default:
			return m.callAction(tagAccept, ActionCHLD2, 0, m.expectAll(call.StateHeld, call.StateActive))
		}
	case call.StateHeldByResponseAndHold:
		return m.callAction(tagAccept, ActionBTRH1, 0, []expectation{target})
	}
	return hfp.ErrNoCall
}

func (m *Machine) rejectCall() error {
	if err := m.linked(); err != nil {
		return err
	}
	c := m.findCall(call.StateIncoming, call.StateWaiting, call.StateHeldByResponseAndHold, call.StateHeld)
	if c == nil {
		return hfp.ErrNoCall
	}
	gone := []expectation{{id: c.ID, state: call.StateTerminated}}
	switch c.State {
	case call.StateIncoming:
		return m.callAction(tagReject, ActionCHUP, 0, gone)
	case call.StateWaiting:
		return m.callAction(tagReject, ActionCHLD0, 0, gone)
	case call.StateHeld:
		return m.callAction(tagReject, ActionCHLD0, 0, m.expectAll(call.StateHeld, call.StateTerminated))
	case call.StateHeldByResponseAndHold:
		return m.callAction(tagReject, ActionBTRH2, 0, gone)
	}
	return hfp.ErrNoCall
}

func (m *Machine) holdCall() error {
	if err := m.linked(); err != nil {
		return err
	}
	if c := m.findCall(call.StateIncoming); c != nil {
		return m.callAction(tagHold, ActionBTRH0, 0, []expectation{{id: c.ID, state: call.StateHeldByResponseAndHold}})
	}
	if m.findCall(call.StateActive) == nil {
		return hfp.ErrNoCall
	}
	expect := append(m.expectAll(call.StateActive, call.StateHeld), m.expectAll(call.StateHeld, call.StateActive)...)
	return m.callAction(tagHold, ActionCHLD2, 0, expect)
}

func (m *Machine) terminateCall() error {
	if err := m.linked(); err != nil {
		return err
	}
	if m.findCall(call.StateDialing, call.StateAlerting, call.StateActive) != nil {
		var expect []expectation
		for _, s := range []call.State{call.StateDialing, call.StateAlerting, call.StateActive} {
			expect = append(expect, m.expectAll(s, call.StateTerminated)...)
		}
		return m.callAction(tagTerminate, ActionCHUP, 0, expect)
	}
	if m.findCall(call.StateHeld) != nil {
		return m.callAction(tagTerminate, ActionCHLD0, 0, m.expectAll(call.StateHeld, call.StateTerminated))
	}
	return hfp.ErrNoCall
}

func (m *Machine) enterPrivateMode(id int) error {
	if err := m.linked(); err != nil {
		return err
	}
	c, ok := m.calls[id]
	if !ok {
		return hfp.ErrNoCall
	}
	if c.State != call.StateActive || !c.Multiparty {
		return hfp.ErrInvalidState
	}
	if m.chldFeatures&ChldPrivateX == 0 {
		return hfp.ErrUnsupported
	}
	return m.callAction(tagPrivateMode, ActionCHLD2x, id, nil)
}

func (m *Machine) explicitCallTransfer() error {
	if err := m.linked(); err != nil {
		return err
	}
	if m.chldFeatures&ChldMergeDetach == 0 {
		return hfp.ErrUnsupported
	}
	if len(m.calls) < 2 {
		return hfp.ErrNoCall
	}
	return m.callAction(tagTransfer, ActionCHLD4, 0, nil)
}

// dial places an outgoing call tracked under the sentinel id until the
// gateway reports the id it assigned.
func (m *Machine) dial(number string) (call.Call, error) {
	if err := m.linked(); err != nil {
		return call.Call{}, err
	}
	if _, ok := m.calls[call.HFOriginatedID]; ok {
		return call.Call{}, hfp.ErrBusy
	}
	if !m.env.native.Dial(m.dev, number) {
		m.log.WithField("number", number).Warn("native dial rejected")
		return call.Call{}, hfp.ErrLinkRejected
	}
	c := call.New(call.HFOriginatedID, call.StateDialing, number, false, true, m.inBandRing, m.env.clock.Now())
	m.calls[call.HFOriginatedID] = c
	m.enqueue(tagDial, nil)
	m.notifyCall(c)
	return c.Clone(), nil
}

func (m *Machine) sendDTMF(code byte) error {
	if err := m.linked(); err != nil {
		return err
	}
	if strings.IndexByte(dtmfCodes, code) < 0 {
		return fmt.Errorf("client: invalid dtmf code %q: %w", code, hfp.ErrInvalidState)
	}
	if !m.env.native.SendDTMF(m.dev, code) {
		return hfp.ErrLinkRejected
	}
	m.enqueue(tagDTMF, nil)
	return nil
}

func (m *Machine) sendVendorAT(vendorID int, cmd string) error {
	if err := m.linked(); err != nil {
		return err
	}
	cmd, err := checkVendorCommand(vendorID, cmd)
	if err != nil {
		return err
	}
	if !m.env.native.SendATCommand(m.dev, cmd) {
		return hfp.ErrLinkRejected
	}
	m.enqueue(tagVendor, nil)
	return nil
}

func (m *Machine) setVolume(t hfp.VolumeType, level int) error {
	if err := m.linked(); err != nil {
		return err
	}
	if level < 0 || level > hfp.MaxVolume {
		return fmt.Errorf("client: volume %d out of range: %w", level, hfp.ErrInvalidState)
	}
	if !m.env.native.SetVolume(m.dev, t, level) {
		return hfp.ErrLinkRejected
	}
	m.enqueue(tagVolume, nil)
	return nil
}

func (m *Machine) startVoiceRecognition() error {
	if err := m.linked(); err != nil {
		return err
	}
	if m.peerFeatures&FeatureVoiceRecognition == 0 {
		return hfp.ErrUnsupported
	}
	if m.vr || m.queued(tagVRStart) {
		return hfp.ErrInvalidState
	}
	if !m.env.native.StartVoiceRecognition(m.dev) {
		return hfp.ErrLinkRejected
	}
	m.enqueue(tagVRStart, nil)
	return nil
}

func (m *Machine) stopVoiceRecognition() error {
	if err := m.linked(); err != nil {
		return err
	}
	if !m.vr || m.queued(tagVRStop) {
		return hfp.ErrInvalidState
	}
	if !m.env.native.StopVoiceRecognition(m.dev) {
		return hfp.ErrLinkRejected
	}
	m.enqueue(tagVRStop, nil)
	return nil
}

func (m *Machine) setAudioPolicy(p AudioPolicy) error {
	if err := m.linked(); err != nil {
		return err
	}
	m.policy = p
	if !m.policySupported {
		return hfp.ErrUnsupported
	}
	if !m.env.native.SendATCommand(m.dev, p.command()) {
		return hfp.ErrLinkRejected
	}
	m.enqueue(tagPolicy, nil)
	return nil
}
