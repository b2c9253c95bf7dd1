package ag

import (
	"hfpd/call"
	"hfpd/hfp"
)

// ResponseCode is a final result code sent to the headset.
type ResponseCode int

const (
	ResponseOK ResponseCode = iota
	ResponseError
)

func (c ResponseCode) String() string {
	if c == ResponseOK {
		return "OK"
	}
	return "ERROR"
}

// Native is the link layer of the gateway side. Every method reports whether
// the request was submitted.
type Native interface {
	Connect(dev hfp.Device) bool
	Disconnect(dev hfp.Device) bool
	ConnectAudio(dev hfp.Device) bool
	DisconnectAudio(dev hfp.Device) bool
	// StartVoiceRecognition sends +BVRA: 1.
	StartVoiceRecognition(dev hfp.Device) bool
	StopVoiceRecognition(dev hfp.Device) bool
	SetVolume(dev hfp.Device, t hfp.VolumeType, level int) bool
	AtResponseCode(dev hfp.Device, code ResponseCode, cme int) bool
	AtResponseString(dev hfp.Device, resp string) bool
	// CindResponse and CopsResponse send the final OK themselves.
	CindResponse(dev hfp.Device, status DeviceStatus, phone PhoneState) bool
	CopsResponse(dev hfp.Device, operator string) bool
	// ClccResponse sends one +CLCC line; an entry with ID 0 ends the list.
	ClccResponse(dev hfp.Device, entry call.Call) bool
	PhoneStateChange(dev hfp.Device, phone PhoneState) bool
	NotifyDeviceStatus(dev hfp.Device, status DeviceStatus) bool
	SendBsir(dev hfp.Device, enabled bool) bool
	SetActiveDevice(dev hfp.Device) bool
}
