// Package hfp holds the pieces shared by the audio gateway and the headset
// client state machines: the legal transition table, the per-device event
// loop, timers, the machine registry and outward notifications.
package hfp

import (
	"fmt"
	"regexp"
	"strings"
)

// Device identifies a remote Bluetooth device by its address.
type Device string

var addrRe = regexp.MustCompile(`^[0-9A-F]{2}(:[0-9A-F]{2}){5}$`)

// ParseDevice normalizes and validates a Bluetooth address.
func ParseDevice(s string) (Device, error) {
	a := strings.ToUpper(strings.TrimSpace(s))
	a = strings.ReplaceAll(a, "_", ":")
	if !addrRe.MatchString(a) {
		return "", fmt.Errorf("invalid bluetooth address %q", s)
	}
	return Device(a), nil
}

func (d Device) String() string { return string(d) }

// State is the combined connection and audio state of one device.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateAudioConnecting
	StateAudioOn
	StateAudioDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateAudioConnecting:
		return "audio_connecting"
	case StateAudioOn:
		return "audio_on"
	case StateAudioDisconnecting:
		return "audio_disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Stable reports whether deferred requests may be replayed in s.
func (s State) Stable() bool {
	return s == StateDisconnected || s == StateConnected || s == StateAudioOn
}

// Linked reports whether the service level connection is up in s.
func (s State) Linked() bool {
	switch s {
	case StateConnected, StateAudioConnecting, StateAudioOn, StateAudioDisconnecting:
		return true
	}
	return false
}

// Connection projects s onto the externally visible connection state.
func (s State) Connection() ConnectionState {
	switch s {
	case StateConnecting:
		return ConnectionConnecting
	case StateDisconnecting:
		return ConnectionDisconnecting
	case StateDisconnected:
		return ConnectionDisconnected
	}
	return ConnectionConnected
}

// Audio projects s onto the externally visible audio state.
func (s State) Audio() AudioState {
	switch s {
	case StateAudioConnecting:
		return AudioConnecting
	case StateAudioOn, StateAudioDisconnecting:
		return AudioConnected
	}
	return AudioDisconnected
}

// ConnectionState is the link state reported to collaborators.
type ConnectionState int

const (
	ConnectionDisconnected ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnecting:
		return "disconnecting"
	}
	return fmt.Sprintf("connection(%d)", int(s))
}

// AudioState is the SCO state reported to collaborators.
type AudioState int

const (
	AudioDisconnected AudioState = iota
	AudioConnecting
	AudioConnected
)

func (s AudioState) String() string {
	switch s {
	case AudioDisconnected:
		return "disconnected"
	case AudioConnecting:
		return "connecting"
	case AudioConnected:
		return "connected"
	}
	return fmt.Sprintf("audio(%d)", int(s))
}

// Codec is the negotiated voice codec tier.
type Codec int

const (
	CodecNarrowband Codec = iota
	CodecWideband
	CodecSuperWideband
)

func (c Codec) String() string {
	switch c {
	case CodecNarrowband:
		return "cvsd"
	case CodecWideband:
		return "msbc"
	case CodecSuperWideband:
		return "lc3-swb"
	}
	return fmt.Sprintf("codec(%d)", int(c))
}

// CodecID returns the HFP codec identifier used by +BCS / AT+BAC.
func (c Codec) CodecID() int {
	switch c {
	case CodecWideband:
		return 2
	case CodecSuperWideband:
		return 3
	}
	return 1
}

// CodecFromID maps an HFP codec identifier to a Codec.
func CodecFromID(id int) (Codec, bool) {
	switch id {
	case 1:
		return CodecNarrowband, true
	case 2:
		return CodecWideband, true
	case 3:
		return CodecSuperWideband, true
	}
	return CodecNarrowband, false
}

// VolumeType selects the speaker (VGS) or microphone (VGM) gain.
type VolumeType int

const (
	VolumeSpeaker VolumeType = iota
	VolumeMicrophone
)

func (v VolumeType) String() string {
	if v == VolumeMicrophone {
		return "microphone"
	}
	return "speaker"
}

// MaxVolume is the highest gain value carried by +VGS/+VGM.
const MaxVolume = 15

// Indicator names the network and battery indicators carried by +CIEV.
type Indicator int

const (
	IndicatorService Indicator = iota
	IndicatorRoaming
	IndicatorSignal
	IndicatorBattery
)

func (i Indicator) String() string {
	switch i {
	case IndicatorService:
		return "service"
	case IndicatorRoaming:
		return "roam"
	case IndicatorSignal:
		return "signal"
	case IndicatorBattery:
		return "battchg"
	}
	return fmt.Sprintf("indicator(%d)", int(i))
}

func (s ConnectionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
func (s AudioState) MarshalText() ([]byte, error)      { return []byte(s.String()), nil }
func (c Codec) MarshalText() ([]byte, error)           { return []byte(c.String()), nil }
func (v VolumeType) MarshalText() ([]byte, error)      { return []byte(v.String()), nil }
func (i Indicator) MarshalText() ([]byte, error)       { return []byte(i.String()), nil }
