package client

import (
	"hfpd/call"
	"hfpd/hfp"
)

// StackEvent is an event reported by the native link for one device.
type StackEvent interface {
	Source() hfp.Device
}

// LinkState is the connection state reported by the native link.
type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	// LinkConnected means the RFCOMM channel is up but the service level
	// connection is not established yet.
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

// Gateway features advertised in +BRSF.
const (
	FeatureThreeWay         = 1 << 0
	FeatureECNR             = 1 << 1
	FeatureVoiceRecognition = 1 << 2
	FeatureInBandRing       = 1 << 3
	FeatureVoiceTag         = 1 << 4
	FeatureRejectCall       = 1 << 5
	FeatureEnhancedStatus   = 1 << 6
	FeatureEnhancedControl  = 1 << 7
	FeatureExtendedErrors   = 1 << 8
	FeatureCodecNegotiation = 1 << 9
	FeatureHFIndicators     = 1 << 10
	FeatureESCOS4           = 1 << 11
)

// Three way calling features advertised in +CHLD.
const (
	ChldRelease       = 1 << 0
	ChldReleaseAccept = 1 << 1
	ChldReleaseX      = 1 << 2
	ChldHoldAccept    = 1 << 3
	ChldPrivateX      = 1 << 4
	ChldMerge         = 1 << 5
	ChldMergeDetach   = 1 << 6
)

// ConnectionEvent reports a change of the native link state. Features are
// only meaningful with LinkSLCConnected.
type ConnectionEvent struct {
	Device       hfp.Device
	State        LinkState
	PeerFeatures uint32
	ChldFeatures uint32
}

// AudioEvent reports a change of the SCO link.
type AudioEvent struct {
	Device hfp.Device
	State  hfp.AudioState
	Codec  hfp.Codec
}

// CallEvent is one +CLCC line of a current calls report.
type CallEvent struct {
	Device     hfp.Device
	ID         int
	State      call.State
	Number     string
	Multiparty bool
	Outgoing   bool
	InBandRing bool
}

// CallIndicator identifies a call related +CIEV indicator.
type CallIndicator int

const (
	IndicatorCall CallIndicator = iota
	IndicatorCallSetup
	IndicatorCallHeld
)

// CallIndicatorEvent reports a call, callsetup or callheld +CIEV.
type CallIndicatorEvent struct {
	Device    hfp.Device
	Indicator CallIndicator
	Value     int
}

// Result is the final result code of an AT command.
type Result int

const (
	ResultOK Result = iota
	ResultError
	ResultNoCarrier
	ResultBusy
	ResultNoAnswer
	ResultDelayed
	ResultBlacklisted
	ResultCME
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultError:
		return "ERROR"
	case ResultNoCarrier:
		return "NO CARRIER"
	case ResultBusy:
		return "BUSY"
	case ResultNoAnswer:
		return "NO ANSWER"
	case ResultDelayed:
		return "DELAYED"
	case ResultBlacklisted:
		return "BLACKLISTED"
	case ResultCME:
		return "+CME ERROR"
	}
	return "unknown"
}

// ResultEvent completes the oldest outstanding AT command.
type ResultEvent struct {
	Device hfp.Device
	Result Result
	CME    int
}

// IndicatorEvent reports a network or battery indicator.
type IndicatorEvent struct {
	Device    hfp.Device
	Indicator hfp.Indicator
	Value     int
}

// OperatorEvent carries the +COPS operator name.
type OperatorEvent struct {
	Device hfp.Device
	Name   string
}

// SubscriberEvent carries a +CNUM line.
type SubscriberEvent struct {
	Device hfp.Device
	Number string
	Type   int
}

// VoiceRecognitionEvent carries +BVRA from the gateway.
type VoiceRecognitionEvent struct {
	Device hfp.Device
	Active bool
}

// VolumeEvent carries +VGS or +VGM.
type VolumeEvent struct {
	Device hfp.Device
	Type   hfp.VolumeType
	Level  int
}

// InBandRingEvent carries +BSIR.
type InBandRingEvent struct {
	Device  hfp.Device
	Enabled bool
}

// RingEvent is an unsolicited RING.
type RingEvent struct {
	Device hfp.Device
}

// UnknownEvent is an unsolicited result the link layer did not recognise.
type UnknownEvent struct {
	Device  hfp.Device
	Command string
}

func (e ConnectionEvent) Source() hfp.Device       { return e.Device }
func (e AudioEvent) Source() hfp.Device            { return e.Device }
func (e CallEvent) Source() hfp.Device             { return e.Device }
func (e CallIndicatorEvent) Source() hfp.Device    { return e.Device }
func (e ResultEvent) Source() hfp.Device           { return e.Device }
func (e IndicatorEvent) Source() hfp.Device        { return e.Device }
func (e OperatorEvent) Source() hfp.Device         { return e.Device }
func (e SubscriberEvent) Source() hfp.Device       { return e.Device }
func (e VoiceRecognitionEvent) Source() hfp.Device { return e.Device }
func (e VolumeEvent) Source() hfp.Device           { return e.Device }
func (e InBandRingEvent) Source() hfp.Device       { return e.Device }
func (e RingEvent) Source() hfp.Device             { return e.Device }
func (e UnknownEvent) Source() hfp.Device          { return e.Device }

// createsMachine reports whether ev may allocate a state machine for an
// unknown device.
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
