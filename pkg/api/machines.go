package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/NoHeadDotDev/minifly/pkg/apierr"
	"github.com/NoHeadDotDev/minifly/pkg/machine"
	"github.com/NoHeadDotDev/minifly/pkg/store"
)

type machineResponse struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	App        string         `json:"app"`
	State      string         `json:"state"`
	Region     string         `json:"region"`
	PrivateIP  string         `json:"private_ip"`
	Generation int64          `json:"instance_id"`
	Config     machine.Config `json:"config"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (s *Server) machineToResponse(mach *store.Machine) (machineResponse, error) {
	configJSON, err := s.Store.GetMachineConfig(mach.ID, mach.Generation)
	if err != nil {
		return machineResponse{}, err
	}
	cfg, err := machine.ParseConfig(configJSON)
	if err != nil {
		return machineResponse{}, apierr.Wrap(err, apierr.Internal, "parse stored config for %s", mach.ID)
	}
	return machineResponse{
		ID:         mach.ID,
		Name:       mach.Name,
		App:        mach.App,
		State:      string(mach.State),
		Region:     mach.Region,
		PrivateIP:  mach.PrivateIP,
		Generation: mach.Generation,
		Config:     cfg,
		CreatedAt:  mach.CreatedAt,
		UpdatedAt:  mach.UpdatedAt,
	}, nil
}

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	app := mux.Vars(r)["app"]
	machines, err := s.Store.ListMachines(app)
	if err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}
	out := make([]machineResponse, 0, len(machines))
	for _, mach := range machines {
		resp, err := s.machineToResponse(mach)
		if err != nil {
			writeError(w, entryFromRequest(r, s.Log), err)
			return
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

type createMachineRequest struct {
	Name   string         `json:"name"`
	Region string         `json:"region"`
	Config machine.Config `json:"config"`
}

func (s *Server) handleCreateMachine(w http.ResponseWriter, r *http.Request) {
	app := mux.Vars(r)["app"]
	var req createMachineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, entryFromRequest(r, s.Log), apierr.New(apierr.InvalidConfig, "invalid request body: %v", err))
		return
	}

	mach, err := s.Manager.CreateMachine(app, req.Name, req.Region, req.Config)
	if err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}

	// Create is the one mutation that does not require a caller-held lease
	// (§3 Lease); the manager still arbitrates the start sequence under an
	// internal one, released once it completes so a subsequent caller can
	// acquire their own.
	lease, err := s.Manager.AcquireLease(mach.ID, "minifly-api-create", "create", 0, "")
	if err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}
	startErr := s.Manager.Start(r.Context(), mach.ID, lease.Nonce)
	_ = s.Store.ReleaseLease(mach.ID)
	if startErr != nil {
		writeError(w, entryFromRequest(r, s.Log), startErr)
		return
	}

	mach, err = s.Store.GetMachine(mach.ID)
	if err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}
	resp, err := s.machineToResponse(mach)
	if err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	mach, err := s.Store.GetMachine(id)
	if err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}
	resp, err := s.machineToResponse(mach)
	if err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type updateMachineRequest struct {
	Config machine.Config `json:"config"`
}

func (s *Server) handleUpdateMachine(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	nonce := leaseNonceFromRequest(r)

	var req updateMachineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, entryFromRequest(r, s.Log), apierr.New(apierr.InvalidConfig, "invalid request body: %v", err))
		return
	}

	if err := s.Manager.UpdateMachine(r.Context(), id, nonce, req.Config); err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}

	mach, err := s.Store.GetMachine(id)
	if err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}
	resp, err := s.machineToResponse(mach)
	if err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDestroyMachine(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	force := r.URL.Query().Get("force") == "true"
	nonce := leaseNonceFromRequest(r)

	if err := s.Manager.DestroyMachine(id, nonce, force); err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleStartMachine(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	nonce := leaseNonceFromRequest(r)
	if err := s.Manager.Start(r.Context(), id, nonce); err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}
	s.writeMachineState(w, r, id)
}

type stopMachineRequest struct {
	Signal      string `json:"signal,omitempty"`
	TimeoutSecs int    `json:"timeout,omitempty"`
}

func (s *Server) handleStopMachine(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	nonce := leaseNonceFromRequest(r)

	var req stopMachineRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	grace := time.Duration(req.TimeoutSecs) * time.Second

	if err := s.Manager.Stop(r.Context(), id, nonce, grace); err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}
	s.writeMachineState(w, r, id)
}

func (s *Server) handleRestartMachine(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	nonce := leaseNonceFromRequest(r)

	var req stopMachineRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	grace := time.Duration(req.TimeoutSecs) * time.Second

	if err := s.Manager.Restart(r.Context(), id, nonce, grace); err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}
	s.writeMachineState(w, r, id)
}

func (s *Server) writeMachineState(w http.ResponseWriter, r *http.Request, id string) {
	mach, err := s.Store.GetMachine(id)
	if err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}
	resp, err := s.machineToResponse(mach)
	if err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type leaseRequest struct {
	TTL         int    `json:"ttl,omitempty"`
	Description string `json:"description,omitempty"`
}

type leaseResponse struct {
	Nonce     string    `json:"nonce"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleAcquireLease acquires a new lease, or refreshes the caller's own one
// when they present its current nonce (the same header/query convention
// leaseNonceFromRequest uses for mutation endpoints).
func (s *Server) handleAcquireLease(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req leaseRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	owner := correlationIDFromRequest(r)
	currentNonce := leaseNonceFromRequest(r)
	lease, err := s.Manager.AcquireLease(id, owner, req.Description, time.Duration(req.TTL)*time.Second, currentNonce)
	if err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}
	writeJSON(w, http.StatusCreated, leaseResponse{Nonce: lease.Nonce, Owner: lease.Owner, ExpiresAt: lease.ExpiresAt})
}

// leaseNonceFromRequest reads the caller-presented lease nonce, accepted
// either as a header (fly-machine-lease-nonce-equivalent) or as a query
// param, matching the Machines API's convention of not requiring a body
// for lifecycle actions.
func leaseNonceFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Minifly-Lease-Nonce"); v != "" {
		return v
	}
	return r.URL.Query().Get("lease_nonce")
}
