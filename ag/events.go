package ag

import "hfpd/hfp"

// StackEvent is an event reported by the native link for one headset.
type StackEvent interface {
	Source() hfp.Device
}

// LinkState is the connection state reported by the native link.
type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkConnected
	LinkSLCConnected
	LinkDisconnecting
)

func (s LinkState) String() string {
	switch s {
	case LinkDisconnected:
		return "disconnected"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkSLCConnected:
		return "slc_connected"
	case LinkDisconnecting:
		return "disconnecting"
	}
	return "unknown"
}

// AudioLinkState is the SCO state reported by the native link.
type AudioLinkState int

const (
	AudioLinkDisconnected AudioLinkState = iota
	AudioLinkConnecting
	AudioLinkConnected
	AudioLinkDisconnecting
)

func (s AudioLinkState) String() string {
	switch s {
	case AudioLinkDisconnected:
		return "disconnected"
	case AudioLinkConnecting:
		return "connecting"
	case AudioLinkConnected:
		return "connected"
	case AudioLinkDisconnecting:
		return "disconnecting"
	}
	return "unknown"
}

// Hands-free features advertised in AT+BRSF.
const (
	HFFeatureECNR             = 1 << 0
	HFFeatureThreeWay         = 1 << 1
	HFFeatureCLIP             = 1 << 2
	HFFeatureVoiceRecognition = 1 << 3
	HFFeatureRemoteVolume     = 1 << 4
	HFFeatureEnhancedStatus   = 1 << 5
	HFFeatureEnhancedControl  = 1 << 6
	HFFeatureCodecNegotiation = 1 << 7
	HFFeatureHFIndicators     = 1 << 8
	HFFeatureESCOS4           = 1 << 9
)

// ConnectionEvent reports a change of the native link state.
type ConnectionEvent struct {
	Device   hfp.Device
	State    LinkState
	Features uint32
}

// AudioEvent reports a change of the SCO link.
type AudioEvent struct {
	Device hfp.Device
	State  AudioLinkState
}

// VoiceRecognitionEvent is AT+BVRA from the headset.
type VoiceRecognitionEvent struct {
	Device hfp.Device
	Active bool
}

// AnswerCallEvent is ATA.
type AnswerCallEvent struct {
	Device hfp.Device
}

// HangupCallEvent is AT+CHUP.
type HangupCallEvent struct {
	Device hfp.Device
}

// VolumeEvent is AT+VGS or AT+VGM.
type VolumeEvent struct {
	Device hfp.Device
	Type   hfp.VolumeType
	Level  int
}

// DialEvent is ATD. An empty number is AT+BLDN; a number starting with '>'
// is a memory dial.
type DialEvent struct {
	Device hfp.Device
	Number string
}

// DTMFEvent is AT+VTS.
type DTMFEvent struct {
	Device hfp.Device
	Code   byte
}

// NoiseReductionEvent is AT+NREC.
type NoiseReductionEvent struct {
	Device  hfp.Device
	Enabled bool
}

// ChldEvent is AT+CHLD=<n>.
type ChldEvent struct {
	Device hfp.Device
	Chld   int
}

// SubscriberNumberEvent is AT+CNUM.
type SubscriberNumberEvent struct {
	Device hfp.Device
}

// CindEvent is AT+CIND?.
type CindEvent struct {
	Device hfp.Device
}

// CopsEvent is AT+COPS?.
type CopsEvent struct {
	Device hfp.Device
}

// ClccEvent is AT+CLCC.
type ClccEvent struct {
	Device hfp.Device
}

// UnknownATEvent is a command the link layer did not recognise.
type UnknownATEvent struct {
	Device  hfp.Device
	Command string
}

// KeyPressedEvent is AT+CKPD=200.
type KeyPressedEvent struct {
	Device hfp.Device
}

// CodecEvent reports the codec confirmed with AT+BCS.
type CodecEvent struct {
	Device hfp.Device
	Codec  hfp.Codec
}

// BindEvent is AT+BIND=<list>.
type BindEvent struct {
	Device     hfp.Device
	Indicators []int
}

// BievEvent is AT+BIEV=<indicator>,<value>.
type BievEvent struct {
	Device    hfp.Device
	Indicator int
	Value     int
}

func (e ConnectionEvent) Source() hfp.Device       { return e.Device }
func (e AudioEvent) Source() hfp.Device            { return e.Device }
func (e VoiceRecognitionEvent) Source() hfp.Device { return e.Device }
func (e AnswerCallEvent) Source() hfp.Device       { return e.Device }
func (e HangupCallEvent) Source() hfp.Device       { return e.Device }
func (e VolumeEvent) Source() hfp.Device           { return e.Device }
func (e DialEvent) Source() hfp.Device             { return e.Device }
func (e DTMFEvent) Source() hfp.Device             { return e.Device }
func (e NoiseReductionEvent) Source() hfp.Device   { return e.Device }
func (e ChldEvent) Source() hfp.Device             { return e.Device }
func (e SubscriberNumberEvent) Source() hfp.Device { return e.Device }
func (e CindEvent) Source() hfp.Device             { return e.Device }
func (e CopsEvent) Source() hfp.Device             { return e.Device }
func (e ClccEvent) Source() hfp.Device             { return e.Device }
func (e UnknownATEvent) Source() hfp.Device        { return e.Device }
func (e KeyPressedEvent) Source() hfp.Device       { return e.Device }
func (e CodecEvent) Source() hfp.Device            { return e.Device }
func (e BindEvent) Source() hfp.Device             { return e.Device }
func (e BievEvent) Source() hfp.Device             { return e.Device }

func createsMachine(ev StackEvent) bool {
	c, ok := ev.(ConnectionEvent)
	if !ok {
		return false
	}
	switch c.State {
	case LinkConnecting, LinkConnected, LinkSLCConnected:
		return true
	}
	return false
}
