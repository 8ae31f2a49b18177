package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/NoHeadDotDev/minifly/pkg/apierr"
	"github.com/NoHeadDotDev/minifly/pkg/machine"
	"github.com/NoHeadDotDev/minifly/pkg/manifest"
)

// deployRequest bundles the two production documents the adapter
// understands (§4.5) plus the one thing they never specify: a
// already-built image reference to run, since Minifly runs images rather
// than building them from build.dockerfile.
type deployRequest struct {
	AppManifest  string `json:"app_manifest"`          // raw TOML (fly.toml contents)
	LiteFSConfig string `json:"litefs_config"`         // raw YAML (litefs.yml contents), optional
	Image        string `json:"image"`
	Region       string `json:"region"`
}

type deployedMachine struct {
	ProcessGroup string `json:"process_group"`
	MachineID    string `json:"machine_id"`
	State        string `json:"state"`
}

type deployResponse struct {
	Machines []deployedMachine `json:"machines"`
	Warnings []string          `json:"warnings,omitempty"`
}

// handleDeployManifest is the ingestion path for C5: it parses a production
// app manifest (and, if present, a replicated-SQLite config), adapts both
// into a local Plan, then materializes one machine per process group and
// starts it — the only production call site for manifest.Adapt (everything
// else exercising it is adapt_test.go).
func (s *Server) handleDeployManifest(w http.ResponseWriter, r *http.Request) {
	app := mux.Vars(r)["app"]
	logEntry := entryFromRequest(r, s.Log)

	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, logEntry, apierr.New(apierr.InvalidConfig, "invalid request body: %v", err))
		return
	}
	if req.AppManifest == "" {
		writeError(w, logEntry, apierr.New(apierr.InvalidConfig, "app_manifest is required"))
		return
	}
	if req.Image == "" {
		writeError(w, logEntry, apierr.New(apierr.InvalidConfig, "image is required"))
		return
	}

	appManifest, unrecognized, err := manifest.ParseAppManifest([]byte(req.AppManifest))
	if err != nil {
		writeError(w, logEntry, apierr.Wrap(err, apierr.InvalidConfig, "parse app manifest"))
		return
	}

	var litefsConfig *manifest.LiteFSConfig
	if req.LiteFSConfig != "" {
		litefsConfig, err = manifest.ParseLiteFSConfig([]byte(req.LiteFSConfig))
		if err != nil {
			writeError(w, logEntry, apierr.Wrap(err, apierr.InvalidConfig, "parse litefs config"))
			return
		}
	}

	region := req.Region
	if region == "" {
		region = "local"
	}

	plan, err := manifest.Adapt(manifest.AdaptInput{
		App:           appManifest,
		LiteFS:        litefsConfig,
		AppName:       app,
		Region:        region,
		DataRoot:      s.Cfg.DataRoot,
		BuildID:       uuid.NewString(),
		LiteFSMountAt: "/litefs",
	})
	if err != nil {
		writeError(w, logEntry, apierr.Wrap(err, apierr.InvalidConfig, "adapt app manifest for %s", app))
		return
	}
	warnings := plan.Warnings
	for _, key := range unrecognized {
		warnings = append(warnings, "unrecognized top-level key: "+key)
	}

	out := make([]deployedMachine, 0, len(plan.ProcessGroups))
	for _, group := range plan.ProcessGroups {
		cfg := configFromProcessGroupPlan(req.Image, group, appManifest)

		mach, err := s.Manager.CreateMachine(app, app+"-"+group.Name, region, cfg)
		if err != nil {
			writeError(w, logEntry, err)
			return
		}

		lease, err := s.Manager.AcquireLease(mach.ID, "minifly-api-deploy", "deploy", 0, "")
		if err != nil {
			writeError(w, logEntry, err)
			return
		}
		startErr := s.Manager.Start(r.Context(), mach.ID, lease.Nonce)
		_ = s.Store.ReleaseLease(mach.ID)
		if startErr != nil {
			writeError(w, logEntry, startErr)
			return
		}

		refreshed, err := s.Store.GetMachine(mach.ID)
		if err != nil {
			writeError(w, logEntry, err)
			return
		}
		out = append(out, deployedMachine{
			ProcessGroup: group.Name,
			MachineID:    refreshed.ID,
			State:        string(refreshed.State),
		})
	}

	writeJSON(w, http.StatusCreated, deployResponse{Machines: out, Warnings: warnings})
}

// configFromProcessGroupPlan maps one adapted process group plus the
// service checks the plan itself doesn't carry (manifest.ProcessGroupPlan
// has no Checks field; only the raw manifest's first service does) onto a
// machine Config.
func configFromProcessGroupPlan(image string, group manifest.ProcessGroupPlan, appManifest *manifest.AppManifest) machine.Config {
	cfg := machine.Config{
		Image:        image,
		Cmd:          group.Cmd,
		Env:          group.Env,
		ProcessGroup: group.Name,
		UseLiteFS:    group.LiteFS != nil,
	}

	if group.InternalPort != 0 {
		ports := make([]machine.PortSpec, 0, len(group.PublishedPorts))
		for _, p := range group.PublishedPorts {
			ports = append(ports, machine.PortSpec{Port: p, Handlers: []string{"http"}})
		}
		cfg.Services = []machine.Service{{
			InternalPort: group.InternalPort,
			Protocol:     group.Protocol,
			Ports:        ports,
		}}
	}

	for _, m := range group.Mounts {
		cfg.Mounts = append(cfg.Mounts, machine.Mount{Volume: m.Source, Path: m.Destination})
	}

	if len(appManifest.Services) > 0 {
		cfg.Checks = checksFromServiceConfig(appManifest.Services[0])
	}

	return cfg
}

func checksFromServiceConfig(svc manifest.ServiceConfig) []machine.Check {
	var checks []machine.Check
	for _, c := range svc.TCPChecks {
		checks = append(checks, machine.Check{
			Type:         "tcp",
			Port:         svc.InternalPort,
			Interval:     parseDurationOrDefault(c.Interval, 15*time.Second),
			Timeout:      parseDurationOrDefault(c.Timeout, 2*time.Second),
			RestartLimit: c.RestartLimit,
		})
	}
	for _, c := range svc.HTTPChecks {
		checks = append(checks, machine.Check{
			Type:         "http",
			Port:         svc.InternalPort,
			Interval:     parseDurationOrDefault(c.Interval, 15*time.Second),
			Timeout:      parseDurationOrDefault(c.Timeout, 2*time.Second),
			Method:       c.Method,
			Path:         c.Path,
			RestartLimit: c.RestartLimit,
		})
	}
	return checks
}

func parseDurationOrDefault(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
