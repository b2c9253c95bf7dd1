// Package api is the HTTP control surface of the daemon: one route tree per
// role plus a websocket stream of notifications.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"hfpd/ag"
	"hfpd/call"
	"hfpd/client"
	"hfpd/hfp"
)

// HandsFree is the headset side service.
type HandsFree interface {
	Connect(dev hfp.Device) error
	Disconnect(dev hfp.Device) error
	ConnectAudio(dev hfp.Device) error
	DisconnectAudio(dev hfp.Device) error
	AcceptCall(dev hfp.Device, flag client.AcceptFlag) error
	RejectCall(dev hfp.Device) error
	HoldCall(dev hfp.Device) error
	TerminateCall(dev hfp.Device) error
	EnterPrivateMode(dev hfp.Device, id int) error
	ExplicitCallTransfer(dev hfp.Device) error
	Dial(dev hfp.Device, number string) (call.Call, error)
	SendDTMF(dev hfp.Device, code byte) error
	SendVendorAT(dev hfp.Device, vendorID int, cmd string) error
	SetVolume(dev hfp.Device, t hfp.VolumeType, level int) error
	StartVoiceRecognition(dev hfp.Device) error
	StopVoiceRecognition(dev hfp.Device) error
	SetAudioPolicy(dev hfp.Device, p client.AudioPolicy) error
	SetAudioRouteAllowed(allowed bool)
	AudioRouteAllowed() bool
	State(dev hfp.Device) (client.DeviceState, error)
	Devices() []hfp.Device
	Cleanup(dev hfp.Device) error
}

// Gateway is the audio gateway service.
type Gateway interface {
	Connect(dev hfp.Device) error
	Disconnect(dev hfp.Device) error
	ConnectAudio(dev hfp.Device) error
	DisconnectAudio(dev hfp.Device) error
	SetActiveDevice(dev hfp.Device) error
	ActiveDevice() hfp.Device
	Mode() (ag.Mode, hfp.Device)
	StartVoiceRecognition(dev hfp.Device) error
	StopVoiceRecognition(dev hfp.Device) error
	StartVirtualCall(dev hfp.Device) error
	StopVirtualCall(dev hfp.Device) error
	SetVolume(dev hfp.Device, t hfp.VolumeType, level int) error
	SendVendorResult(dev hfp.Device, vendorID int, result string) error
	SetInBandRing(on bool) error
	SetForceSco(on bool)
	SetAudioRouteAllowed(allowed bool)
	AudioRouteAllowed() bool
	State(dev hfp.Device) (ag.DeviceState, error)
	Devices() []hfp.Device
	Cleanup(dev hfp.Device) error
}

// AudioReporter accepts SCO state from the owner of the SCO sockets.
type AudioReporter interface {
	ReportAudio(dev hfp.Device, state hfp.AudioState)
}

type Options struct {
	HandsFree      HandsFree
	HandsFreeAudio AudioReporter
	Gateway        Gateway
	GatewayAudio   AudioReporter
	Events         *hfp.Broadcaster
	Log            *logrus.Entry
}

type Server struct {
	o   Options
	log *logrus.Entry
}

func New(o Options) *Server {
	return &Server{o: o, log: o.Log}
}

// Router builds the route tree. Roles without a service get no routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusOK, map[string]interface{}{"status": "ok", "service": "hfpd"})
	})
	if s.o.HandsFree != nil {
		r.Route("/hf", s.handsFreeRoutes)
	}
	if s.o.Gateway != nil {
		r.Route("/ag", s.gatewayRoutes)
	}
	if s.o.Events != nil {
		r.Get("/events", s.streamEvents)
	}
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"status":  ww.Status(),
			"elapsed": time.Since(start),
		}).Debug("http request")
	})
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]interface{}{
		"error": message,
		"code":  status,
	})
}

func successResponse(w http.ResponseWriter) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

// statusOf maps service errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, hfp.ErrUnknownDevice), errors.Is(err, hfp.ErrNoCall):
		return http.StatusNotFound
	case errors.Is(err, hfp.ErrPolicyForbidden):
		return http.StatusForbidden
	case errors.Is(err, hfp.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, hfp.ErrLinkRejected):
		return http.StatusBadGateway
	case errors.Is(err, hfp.ErrTooManyMachines), errors.Is(err, hfp.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, hfp.ErrNotConnected), errors.Is(err, hfp.ErrInvalidState),
		errors.Is(err, hfp.ErrNotActive), errors.Is(err, hfp.ErrBusy),
		errors.Is(err, hfp.ErrNotInCall), errors.Is(err, hfp.ErrAudioRouteBlocked),
		errors.Is(err, hfp.ErrMaxConnections):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func reply(w http.ResponseWriter, err error) {
	if err != nil {
		errorResponse(w, statusOf(err), err.Error())
		return
	}
	successResponse(w)
}

func device(r *http.Request) hfp.Device {
	return hfp.Device(chi.URLParam(r, "dev"))
}

// deviceAction adapts a per-device operation to a handler.
func deviceAction(fn func(hfp.Device) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reply(w, fn(device(r)))
	}
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

type volumeRequest struct {
	Type  string `json:"type"`
	Level int    `json:"level"`
}

func (v volumeRequest) volumeType() (hfp.VolumeType, bool) {
	switch v.Type {
	case "", "speaker":
		return hfp.VolumeSpeaker, true
	case "microphone":
		return hfp.VolumeMicrophone, true
	}
	return 0, false
}

func setVolume(fn func(hfp.Device, hfp.VolumeType, int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req volumeRequest
		if !decode(w, r, &req) {
			return
		}
		t, ok := req.volumeType()
		if !ok || req.Level < 0 || req.Level > hfp.MaxVolume {
			errorResponse(w, http.StatusBadRequest, "invalid volume")
			return
		}
		reply(w, fn(device(r), t, req.Level))
	}
}

type scoRequest struct {
	State string `json:"state"`
}

// reportSco feeds SCO state from the audio owner into a link.
func reportSco(rep AudioReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req scoRequest
		if !decode(w, r, &req) {
			return
		}
		var st hfp.AudioState
		switch req.State {
		case "disconnected":
			st = hfp.AudioDisconnected
		case "connecting":
			st = hfp.AudioConnecting
		case "connected":
			st = hfp.AudioConnected
		default:
			errorResponse(w, http.StatusBadRequest, "invalid sco state: "+req.State)
			return
		}
		rep.ReportAudio(device(r), st)
		successResponse(w)
	}
}
