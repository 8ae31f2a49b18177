package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/NoHeadDotDev/minifly/pkg/apierr"
	"github.com/NoHeadDotDev/minifly/pkg/machine"
	"github.com/NoHeadDotDev/minifly/pkg/store"
)

type volumeResponse struct {
	ID         string `json:"id"`
	App        string `json:"app"`
	Name       string `json:"name"`
	SizeGB     int    `json:"size_gb"`
	AttachedTo string `json:"attached_to,omitempty"`
}

func volumeToResponse(v *store.Volume) volumeResponse {
	return volumeResponse{ID: v.ID, App: v.App, Name: v.Name, SizeGB: v.SizeGB, AttachedTo: v.AttachedTo}
}

func (s *Server) handleListVolumes(w http.ResponseWriter, r *http.Request) {
	app := mux.Vars(r)["app"]
	volumes, err := s.Store.ListVolumes(app)
	if err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}
	out := make([]volumeResponse, 0, len(volumes))
	for _, v := range volumes {
		out = append(out, volumeToResponse(v))
	}
	writeJSON(w, http.StatusOK, out)
}

type createVolumeRequest struct {
	Name   string `json:"name"`
	SizeGB int    `json:"size_gb"`
}

func (s *Server) handleCreateVolume(w http.ResponseWriter, r *http.Request) {
	app := mux.Vars(r)["app"]
	var req createVolumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, entryFromRequest(r, s.Log), apierr.New(apierr.InvalidConfig, "invalid request body: %v", err))
		return
	}
	if req.Name == "" {
		writeError(w, entryFromRequest(r, s.Log), apierr.New(apierr.InvalidConfig, "name is required"))
		return
	}

	v := &store.Volume{ID: machine.NewVolumeID(), App: app, Name: req.Name, SizeGB: req.SizeGB}
	if err := s.Store.CreateVolume(v); err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}
	writeJSON(w, http.StatusCreated, volumeToResponse(v))
}

func (s *Server) handleGetVolume(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	v, err := s.Store.GetVolume(id)
	if err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}
	writeJSON(w, http.StatusOK, volumeToResponse(v))
}

func (s *Server) handleDeleteVolume(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Store.DeleteVolume(id); err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}
