// Package app wires every collaborator the control plane needs into a
// single long-running process: the store, the container runtime, the DNS
// registry, the lifecycle manager, and the HTTP API surface. Grounded on
// the teacher's pkg/app, which does the same job (wiring Config, Log,
// OSCommand, DockerCommand, Gui) for a TUI instead of a server.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/NoHeadDotDev/minifly/pkg/api"
	"github.com/NoHeadDotDev/minifly/pkg/apierr"
	"github.com/NoHeadDotDev/minifly/pkg/config"
	"github.com/NoHeadDotDev/minifly/pkg/dns"
	"github.com/NoHeadDotDev/minifly/pkg/log"
	"github.com/NoHeadDotDev/minifly/pkg/machine"
	"github.com/NoHeadDotDev/minifly/pkg/runtime"
	"github.com/NoHeadDotDev/minifly/pkg/store"
	"github.com/NoHeadDotDev/minifly/pkg/utils"
)

// App holds every long-lived collaborator the control plane needs for the
// lifetime of the process.
type App struct {
	closers []io.Closer

	Config  *config.Config
	Log     *logrus.Entry
	Store   *store.Store
	Runtime runtime.Runtime
	DNS     *dns.Registry
	DNSUDP  *dns.Server
	Manager *machine.Manager
	API     *api.Server

	// Signaled is set once Run observes SIGINT/SIGTERM, so main can map a
	// clean signal-triggered shutdown to exit code 130 the way a shell does.
	Signaled bool
}

// NewApp builds the collaborator graph and opens the store and container
// runtime, but does not yet start serving: that is Run's job, matching the
// teacher's NewApp/Run split.
func NewApp(cfg *config.Config) (*App, error) {
	logEntry := log.New(cfg)

	st, err := store.Open(cfg.DataPath("minifly.db"))
	if err != nil {
		return nil, apierr.Wrap(err, apierr.Internal, "open store")
	}

	app := &App{
		Config: cfg,
		Log:    logEntry,
		Store:  st,
	}
	app.closers = append(app.closers, st)

	rt, err := runtime.NewDockerRuntime(logEntry)
	if err != nil {
		app.Close()
		return nil, apierr.Wrap(err, apierr.RuntimeError, "connect to container runtime")
	}
	app.Runtime = rt
	app.closers = append(app.closers, rt)

	registry := dns.New()
	app.DNS = registry

	if addr := cfg.UserConfig.Server.DNSAddr; addr != "" {
		dnsServer, err := dns.Listen(addr, registry, logEntry)
		if err != nil {
			app.Close()
			return nil, apierr.Wrap(err, apierr.Internal, "listen on dns address %s", addr)
		}
		app.DNSUDP = dnsServer
		app.closers = append(app.closers, dnsServer)
	}

	app.Manager = machine.New(st, rt, registry, cfg, logEntry)
	app.API = api.New(app.Manager, st, registry, cfg, logEntry)

	return app, nil
}

// Run starts the background reconciliation loop, the optional DNS
// front-end, and the HTTP API surface, then blocks until SIGINT/SIGTERM or
// ctx is cancelled. It exits 0 on a clean shutdown; main maps a delivered
// signal to exit code 130 the way a shell does (it checks app.Signaled).
func (app *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if app.DNSUDP != nil {
		go app.DNSUDP.Serve(ctx)
	}

	app.Manager.StartOutboxLoop(ctx, app.Config.UserConfig.Reconcile.SweepInterval, 64)
	app.Manager.StartSweep(ctx, app.Config.UserConfig.Reconcile.SweepInterval, app.Config.UserConfig.Reconcile.MaxConcurrent)

	app.Log.WithField("addr", app.Config.UserConfig.Server.Addr).Info("minifly control plane listening")
	err := app.API.ListenAndServe(ctx)
	if ctx.Err() != nil {
		app.Signaled = true
	}
	return err
}

// Close releases every collaborator opened by NewApp, the teacher's style
// of collecting closers as it goes rather than hand-listing them.
func (app *App) Close() error {
	reversed := make([]io.Closer, len(app.closers))
	for i, c := range app.closers {
		reversed[len(app.closers)-1-i] = c
	}
	if err := utils.CloseMany(reversed); err != nil {
		if app.Log != nil {
			app.Log.WithError(err).Warn("error closing collaborators")
		}
		return err
	}
	return nil
}

// KnownError classifies an error from Run into a short, user-facing message
// when one applies, matching the teacher's KnownError/errorMapping so main
// can choose between a terse message and a full stack trace.
func (app *App) KnownError(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	if apierr.Is(err, apierr.RuntimeError) {
		return fmt.Sprintf("container runtime unavailable: %s", apierr.Message(err)), true
	}
	return "", false
}
