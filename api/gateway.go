package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) gatewayRoutes(r chi.Router) {
	g := s.o.Gateway
	r.Get("/devices", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusOK, map[string]interface{}{"devices": g.Devices()})
	})
	r.Get("/active", func(w http.ResponseWriter, r *http.Request) {
		mode, bound := g.Mode()
		jsonResponse(w, http.StatusOK, map[string]interface{}{
			"device":      g.ActiveDevice(),
			"mode":        mode.String(),
			"mode_device": bound,
		})
	})
	r.Get("/settings", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusOK, map[string]interface{}{"audio_route_allowed": g.AudioRouteAllowed()})
	})
	r.Put("/settings", s.updateSettings)
	r.Route("/devices/{dev}", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			st, err := g.State(device(r))
			if err != nil {
				errorResponse(w, statusOf(err), err.Error())
				return
			}
			jsonResponse(w, http.StatusOK, st)
		})
		r.Delete("/", deviceAction(g.Cleanup))
		r.Post("/connect", deviceAction(g.Connect))
		r.Post("/disconnect", deviceAction(g.Disconnect))
		r.Post("/audio/connect", deviceAction(g.ConnectAudio))
		r.Post("/audio/disconnect", deviceAction(g.DisconnectAudio))
		r.Post("/active", deviceAction(g.SetActiveDevice))
		r.Post("/vr/start", deviceAction(g.StartVoiceRecognition))
		r.Post("/vr/stop", deviceAction(g.StopVoiceRecognition))
		r.Post("/virtual/start", deviceAction(g.StartVirtualCall))
		r.Post("/virtual/stop", deviceAction(g.StopVirtualCall))
		r.Post("/volume", setVolume(g.SetVolume))
		r.Post("/vendor", s.sendVendorResult)
		if s.o.GatewayAudio != nil {
			r.Post("/sco", reportSco(s.o.GatewayAudio))
		}
	})
}

func (s *Server) sendVendorResult(w http.ResponseWriter, r *http.Request) {
	var req vendorRequest
	if !decode(w, r, &req) {
		return
	}
	reply(w, s.o.Gateway.SendVendorResult(device(r), req.VendorID, req.Command))
}

type settingsRequest struct {
	InBandRing        *bool `json:"in_band_ring"`
	ForceSco          *bool `json:"force_sco"`
	AudioRouteAllowed *bool `json:"audio_route_allowed"`
}

// updateSettings changes only the fields present in the body.
func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if !decode(w, r, &req) {
		return
	}
	g := s.o.Gateway
	if req.ForceSco != nil {
		g.SetForceSco(*req.ForceSco)
	}
	if req.AudioRouteAllowed != nil {
		g.SetAudioRouteAllowed(*req.AudioRouteAllowed)
	}
	var err error
	if req.InBandRing != nil {
		err = g.SetInBandRing(*req.InBandRing)
	}
	reply(w, err)
}
