package client

import "hfpd/hfp"

// Action is a call control command sent to the gateway.
type Action int

const (
	ActionCHLD0  Action = iota // release held calls, or reject waiting call
	ActionCHLD1                // release active calls, accept other
	ActionCHLD2                // hold active calls, accept other
	ActionCHLD3                // add held call to conversation
	ActionCHLD4                // explicit call transfer
	ActionCHLD1x               // release call x
	ActionCHLD2x               // private consultation with call x
	ActionATA
	ActionCHUP
	ActionBTRH0 // put incoming call on hold
	ActionBTRH1 // accept held incoming call
	ActionBTRH2 // reject held incoming call
)

func (a Action) String() string {
	switch a {
	case ActionCHLD0:
		return "CHLD=0"
	case ActionCHLD1:
		return "CHLD=1"
	case ActionCHLD2:
		return "CHLD=2"
	case ActionCHLD3:
		return "CHLD=3"
	case ActionCHLD4:
		return "CHLD=4"
	case ActionCHLD1x:
		return "CHLD=1x"
	case ActionCHLD2x:
		return "CHLD=2x"
	case ActionATA:
		return "ATA"
	case ActionCHUP:
		return "CHUP"
	case ActionBTRH0:
		return "BTRH=0"
	case ActionBTRH1:
		return "BTRH=1"
	case ActionBTRH2:
		return "BTRH=2"
	}
	return "unknown"
}

// Native is the link layer of the hands-free side. Every method reports
// whether the request was submitted; the outcome arrives later as a
// StackEvent.
type Native interface {
	Connect(dev hfp.Device) bool
	Disconnect(dev hfp.Device) bool
	ConnectAudio(dev hfp.Device) bool
	DisconnectAudio(dev hfp.Device) bool
	StartVoiceRecognition(dev hfp.Device) bool
	StopVoiceRecognition(dev hfp.Device) bool
	SetVolume(dev hfp.Device, t hfp.VolumeType, level int) bool
	// Dial places a call to number; an empty number redials the last one.
	Dial(dev hfp.Device, number string) bool
	HandleCallAction(dev hfp.Device, action Action, index int) bool
	QueryCurrentCalls(dev hfp.Device) bool
	QueryCurrentOperatorName(dev hfp.Device) bool
	RetrieveSubscriberInfo(dev hfp.Device) bool
	SendDTMF(dev hfp.Device, code byte) bool
	// SendATCommand sends a raw command, without the leading "AT".
	SendATCommand(dev hfp.Device, cmd string) bool
}
