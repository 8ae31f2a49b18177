package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/NoHeadDotDev/minifly/pkg/apierr"
)

type appResponse struct {
	Name         string `json:"name"`
	Org          string `json:"org"`
	Status       string `json:"status"`
	MachineCount int    `json:"machine_count"`
}

func (s *Server) appToResponse(name string) (appResponse, error) {
	app, err := s.Store.GetApp(name)
	if err != nil {
		return appResponse{}, err
	}
	machines, err := s.Store.ListMachines(name)
	if err != nil {
		return appResponse{}, err
	}
	return appResponse{Name: app.Name, Org: app.Org, Status: app.Status, MachineCount: len(machines)}, nil
}

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	apps, err := s.Store.ListApps()
	if err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}
	out := make([]appResponse, 0, len(apps))
	for _, a := range apps {
		resp, err := s.appToResponse(a.Name)
		if err != nil {
			writeError(w, entryFromRequest(r, s.Log), err)
			return
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

type createAppRequest struct {
	AppName string `json:"app_name"`
	OrgSlug string `json:"org_slug"`
}

func (s *Server) handleCreateApp(w http.ResponseWriter, r *http.Request) {
	var req createAppRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, entryFromRequest(r, s.Log), apierr.New(apierr.InvalidConfig, "invalid request body: %v", err))
		return
	}
	if req.AppName == "" {
		writeError(w, entryFromRequest(r, s.Log), apierr.New(apierr.InvalidConfig, "app_name is required"))
		return
	}

	if _, err := s.Store.CreateApp(req.AppName, req.OrgSlug); err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}
	resp, err := s.appToResponse(req.AppName)
	if err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetApp(w http.ResponseWriter, r *http.Request) {
	app := mux.Vars(r)["app"]
	resp, err := s.appToResponse(app)
	if err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteApp(w http.ResponseWriter, r *http.Request) {
	app := mux.Vars(r)["app"]
	if err := s.Manager.DestroyApp(app); err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}
