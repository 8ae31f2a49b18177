package manifest

import (
	"fmt"
	"path"
	"sort"
)

// Plan is the deterministic output of Adapt: everything the lifecycle
// manager needs to materialize one process group's machine locally, plus
// the warnings accumulated while getting there. Adapt never mutates the
// filesystem — materializing mount directories and litefs config files is
// the caller's job (the start sequence, §4.6 step 2-3).
type Plan struct {
	ProcessGroups []ProcessGroupPlan
	Warnings      []string
}

// ProcessGroupPlan is the machine-shaped plan for one entry of the
// manifest's `processes` map (or a single implicit group when processes is
// empty, per the resolved Open Question: one machine per process group).
type ProcessGroupPlan struct {
	Name           string
	Cmd            []string
	Env            map[string]string
	InternalPort   int
	Protocol       string
	PublishedPorts []int
	Mounts         []MountPlan
	LiteFS         *LiteFSPlan
	BuildArgs      map[string]string
}

// MountPlan is one manifest mount resolved to a host path under the data
// root, per §6's filesystem layout.
type MountPlan struct {
	Source        string
	Destination   string
	HostPath      string
	IsLiteFSMount bool
}

// LiteFSPlan is the adapted replicated-SQLite config plus the path it
// should be materialized at.
type LiteFSPlan struct {
	Config   *LiteFSConfig
	DataDir  string
	FuseDir  string
	YAMLPath string
}

// AdaptInput bundles Adapt's inputs: the parsed app manifest, the optional
// parsed litefs config (nil if the app declares none), and the app, region,
// data root and build id the plan is being built for. It carries no machine
// id: host paths in the Plan contain a literal "{machine}" segment.
type AdaptInput struct {
	App           *AppManifest
	LiteFS        *LiteFSConfig
	AppName       string
	Region        string
	DataRoot      string
	BuildID       string
	LiteFSMountAt string // destination path that signals "this mount is the litefs datastore", e.g. "/litefs"
}

// Adapt is a pure function from inputs to a Plan plus warnings: calling it
// twice on the same input yields byte-identical output (spec §8).
func Adapt(in AdaptInput) (*Plan, error) {
	plan := &Plan{}

	if in.App.PrimaryRegion != "" && in.App.PrimaryRegion != in.Region {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf(
			"primary_region %q collapsed to local region %q", in.App.PrimaryRegion, in.Region))
	}

	if len(in.App.Metrics) > 0 {
		// one warning for the whole block is enough; avoid noisy per-key spam
		plan.Warnings = append(plan.Warnings, "metrics block passed through without effect")
	}
	if len(in.App.Statics) > 0 {
		plan.Warnings = append(plan.Warnings, "statics[] passed through without effect")
	}
	if len(in.App.Experimental) > 0 {
		plan.Warnings = append(plan.Warnings, "experimental block passed through without effect")
	}

	groups := in.App.Processes
	if len(groups) == 0 {
		groups = map[string]string{"app": ""}
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		group, warnings, err := adaptProcessGroup(in, name, groups[name])
		if err != nil {
			return nil, err
		}
		plan.ProcessGroups = append(plan.ProcessGroups, *group)
		plan.Warnings = append(plan.Warnings, warnings...)
	}

	return plan, nil
}

func adaptProcessGroup(in AdaptInput, name, cmd string) (*ProcessGroupPlan, []string, error) {
	var warnings []string

	group := &ProcessGroupPlan{
		Name: name,
		Env:  map[string]string{},
	}
	if cmd != "" {
		group.Cmd = []string{"/bin/sh", "-c", cmd}
	}

	for k, v := range in.App.Env {
		group.Env[k] = v
	}

	group.BuildArgs = map[string]string{
		"FLY_APP_NAME": in.AppName,
		"FLY_REGION":   in.Region,
		"FLY_BUILD_ID": in.BuildID,
	}
	for k, v := range in.App.Build.Args {
		group.BuildArgs[k] = v
	}

	if len(in.App.Services) > 0 {
		svc := in.App.Services[0]
		group.InternalPort = svc.InternalPort
		group.Protocol = svc.Protocol
		for _, p := range svc.Ports {
			group.PublishedPorts = append(group.PublishedPorts, p.Port)
		}
		if svc.AutoStopMachines || svc.AutoStartMachines {
			warnings = append(warnings, fmt.Sprintf(
				"service on port %d: auto_stop/auto_start_machines simulated via pause/unpause", svc.InternalPort))
		}
	}

	machineDir := path.Join(in.DataRoot, in.AppName, "{machine}")
	for _, m := range in.App.Mounts {
		mp := MountPlan{
			Source:      m.Source,
			Destination: m.Destination,
			HostPath:    path.Join(machineDir, "volumes", m.Source),
		}
		if in.LiteFSMountAt != "" && m.Destination == in.LiteFSMountAt {
			mp.IsLiteFSMount = true
		}
		group.Mounts = append(group.Mounts, mp)
	}

	if in.LiteFS != nil {
		litefsPlan, litefsWarnings, err := adaptLiteFS(in, name)
		if err != nil {
			return nil, nil, err
		}
		group.LiteFS = litefsPlan
		warnings = append(warnings, litefsWarnings...)
	}

	return group, warnings, nil
}

// adaptLiteFS rewrites a production replicated-SQLite config for local use:
// consensus lease becomes static+candidate, consul.* is stripped, the data
// dir is rooted under the per-machine data directory and the fuse dir
// defaults to /litefs (§4.5). proxy.target is kept as given and is not
// checked against the process group's service port; when it is set and
// proxy.addr is empty, proxy.addr defaults to ":20202". There is no
// fallback config: the returned error is always nil.
func adaptLiteFS(in AdaptInput, processGroup string) (*LiteFSPlan, []string, error) {
	var warnings []string
	cfg := *in.LiteFS // shallow copy; nested pointers reassigned below, not mutated in place

	machineDir := path.Join(in.DataRoot, in.AppName, "{machine}", "litefs")
	dataDir := path.Join(machineDir, "data")
	fuseDir := cfg.FUSE.Dir
	if fuseDir == "" {
		fuseDir = "/litefs"
	}

	if cfg.Lease.Type == "consul" {
		warnings = append(warnings, "lease.type=consul adapted to lease.type=static for local use")
		cfg.Lease.Type = "static"
		cfg.Lease.Candidate = true
		cfg.Lease.AdvertiseURL = fmt.Sprintf("http://localhost:20202")
	}
	if cfg.Lease.Consul != nil {
		warnings = append(warnings, "consul block stripped from lease config")
		cfg.Lease.Consul = nil
	}

	cfg.Data.Dir = dataDir
	cfg.FUSE.Dir = fuseDir

	if cfg.Proxy.Target != "" {
		// The target itself is passed through unchanged; only a missing
		// listen address is filled in.
		if cfg.Proxy.Addr == "" {
			cfg.Proxy.Addr = ":20202"
		}
	}

	return &LiteFSPlan{
		Config:   &cfg,
		DataDir:  dataDir,
		FuseDir:  fuseDir,
		YAMLPath: path.Join(machineDir, "config.yml"),
	}, warnings, nil
}
