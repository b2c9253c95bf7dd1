package ag

import (
	"fmt"

	"hfpd/hfp"
)

// CallSetup is the callsetup indicator of the gateway.
type CallSetup int

const (
	CallSetupIdle CallSetup = iota
	CallSetupIncoming
	CallSetupDialing
	CallSetupAlerting
)

func (s CallSetup) String() string {
	switch s {
	case CallSetupIdle:
		return "idle"
	case CallSetupIncoming:
		return "incoming"
	case CallSetupDialing:
		return "dialing"
	case CallSetupAlerting:
		return "alerting"
	}
	return "unknown"
}

// PhoneState is the call state of the telephony stack.
type PhoneState struct {
	NumActive int
	NumHeld   int
	Setup     CallSetup
	Number    string
	Type      int
}

// InCall reports whether a call is active, held or being placed.
func (p PhoneState) InCall() bool {
	return p.NumActive > 0 || p.NumHeld > 0 || p.Setup == CallSetupDialing || p.Setup == CallSetupAlerting
}

// Ringing reports whether a call is incoming.
func (p PhoneState) Ringing() bool { return p.Setup == CallSetupIncoming }

// Idle reports whether there is no call at all.
func (p PhoneState) Idle() bool { return !p.InCall() && !p.Ringing() }

func (p PhoneState) String() string {
	return fmt.Sprintf("active=%d held=%d setup=%s", p.NumActive, p.NumHeld, p.Setup)
}

// DeviceStatus holds the network and battery indicators of the gateway.
type DeviceStatus struct {
	Service int
	Roaming int
	Signal  int
	Battery int
}

// SystemInterface is the telephony stack behind the gateway. Calls are
// listed asynchronously: the implementation answers ListCurrentCalls through
// Service.ClccResponse and reports changes through Service.PhoneStateChanged.
type SystemInterface interface {
	AnswerCall(dev hfp.Device) bool
	HangupCall(dev hfp.Device) bool
	Dial(dev hfp.Device, number string) bool
	SendDTMF(dev hfp.Device, code byte) bool
	ProcessChld(dev hfp.Device, chld int) bool
	ListCurrentCalls(dev hfp.Device) bool
	QueryPhoneState() bool
	SubscriberNumber() string
	NetworkOperator() string
	ActivateVoiceRecognition() bool
	DeactivateVoiceRecognition() bool
}
