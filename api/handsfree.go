package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"hfpd/client"
)

func (s *Server) handsFreeRoutes(r chi.Router) {
	hf := s.o.HandsFree
	r.Get("/devices", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusOK, map[string]interface{}{"devices": hf.Devices()})
	})
	r.Get("/settings", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusOK, map[string]interface{}{"audio_route_allowed": hf.AudioRouteAllowed()})
	})
	r.Put("/settings", s.updateHandsFreeSettings)
	r.Route("/devices/{dev}", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			st, err := hf.State(device(r))
			if err != nil {
				errorResponse(w, statusOf(err), err.Error())
				return
			}
			jsonResponse(w, http.StatusOK, st)
		})
		r.Delete("/", deviceAction(hf.Cleanup))
		r.Post("/connect", deviceAction(hf.Connect))
		r.Post("/disconnect", deviceAction(hf.Disconnect))
		r.Post("/audio/connect", deviceAction(hf.ConnectAudio))
		r.Post("/audio/disconnect", deviceAction(hf.DisconnectAudio))
		r.Post("/accept", s.acceptCall)
		r.Post("/reject", deviceAction(hf.RejectCall))
		r.Post("/hold", deviceAction(hf.HoldCall))
		r.Post("/terminate", deviceAction(hf.TerminateCall))
		r.Post("/private/{id}", s.enterPrivateMode)
		r.Post("/transfer", deviceAction(hf.ExplicitCallTransfer))
		r.Post("/dial", s.dial)
		r.Post("/dtmf", s.sendDTMF)
		r.Post("/vendor", s.sendVendorAT)
		r.Post("/volume", setVolume(hf.SetVolume))
		r.Post("/vr/start", deviceAction(hf.StartVoiceRecognition))
		r.Post("/vr/stop", deviceAction(hf.StopVoiceRecognition))
		r.Post("/policy", s.setAudioPolicy)
		if s.o.HandsFreeAudio != nil {
			r.Post("/sco", reportSco(s.o.HandsFreeAudio))
		}
	})
}

type handsFreeSettingsRequest struct {
	AudioRouteAllowed *bool `json:"audio_route_allowed"`
}

func (s *Server) updateHandsFreeSettings(w http.ResponseWriter, r *http.Request) {
	var req handsFreeSettingsRequest
	if !decode(w, r, &req) {
		return
	}
	if req.AudioRouteAllowed != nil {
		s.o.HandsFree.SetAudioRouteAllowed(*req.AudioRouteAllowed)
	}
	successResponse(w)
}

type acceptRequest struct {
	Flag string `json:"flag"`
}

func (s *Server) acceptCall(w http.ResponseWriter, r *http.Request) {
	var req acceptRequest
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	var flag client.AcceptFlag
	switch req.Flag {
	case "", "none":
		flag = client.AcceptNone
	case "hold":
		flag = client.AcceptHold
	case "terminate":
		flag = client.AcceptTerminate
	default:
		errorResponse(w, http.StatusBadRequest, "invalid accept flag: "+req.Flag)
		return
	}
	reply(w, s.o.HandsFree.AcceptCall(device(r), flag))
}

func (s *Server) enterPrivateMode(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 1 {
		errorResponse(w, http.StatusBadRequest, "invalid call id")
		return
	}
	reply(w, s.o.HandsFree.EnterPrivateMode(device(r), id))
}

type dialRequest struct {
	Number string `json:"number"`
}

// dial places a call; an empty number redials.
func (s *Server) dial(w http.ResponseWriter, r *http.Request) {
	var req dialRequest
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	c, err := s.o.HandsFree.Dial(device(r), req.Number)
	if err != nil {
		errorResponse(w, statusOf(err), err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, c)
}

type dtmfRequest struct {
	Code string `json:"code"`
}

func (s *Server) sendDTMF(w http.ResponseWriter, r *http.Request) {
	var req dtmfRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Code) != 1 {
		errorResponse(w, http.StatusBadRequest, "code must be one character")
		return
	}
	reply(w, s.o.HandsFree.SendDTMF(device(r), req.Code[0]))
}

type vendorRequest struct {
	VendorID int    `json:"vendor_id"`
	Command  string `json:"command"`
}

func (s *Server) sendVendorAT(w http.ResponseWriter, r *http.Request) {
	var req vendorRequest
	if !decode(w, r, &req) {
		return
	}
	reply(w, s.o.HandsFree.SendVendorAT(device(r), req.VendorID, req.Command))
}

type policyRequest struct {
	CallEstablish  string `json:"call_establish"`
	ConnectingTime string `json:"connecting_time"`
	InBandRing     string `json:"in_band_ring"`
}

func policyValue(s string) (client.PolicyValue, bool) {
	switch s {
	case "":
		return client.PolicyUnconfigured, true
	case "allowed":
		return client.PolicyAllowed, true
	case "not_allowed":
		return client.PolicyNotAllowed, true
	}
	return 0, false
}

func (s *Server) setAudioPolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !decode(w, r, &req) {
		return
	}
	var p client.AudioPolicy
	for _, f := range []struct {
		in  string
		out *client.PolicyValue
	}{
		{req.CallEstablish, &p.CallEstablish},
		{req.ConnectingTime, &p.ConnectingTime},
		{req.InBandRing, &p.InBandRing},
	} {
		v, ok := policyValue(f.in)
		if !ok {
			errorResponse(w, http.StatusBadRequest, "invalid policy value: "+f.in)
			return
		}
		*f.out = v
	}
	reply(w, s.o.HandsFree.SetAudioPolicy(device(r), p))
}

