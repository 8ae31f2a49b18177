package main

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/go-errors/errors"
	"github.com/integrii/flaggy"
	"github.com/samber/lo"

	"github.com/NoHeadDotDev/minifly/pkg/app"
	"github.com/NoHeadDotDev/minifly/pkg/config"
	"github.com/NoHeadDotDev/minifly/pkg/utils"
)

const DEFAULT_VERSION = "unversioned"

var (
	commit      string
	version     = DEFAULT_VERSION
	date        string
	buildSource = "unknown"

	configFlag    = false
	debuggingFlag = false
	devFlag       = false
	dataRoot      = ""
)

func main() {
	updateBuildInfo()

	info := fmt.Sprintf(
		"%s\nDate: %s\nBuildSource: %s\nCommit: %s\nOS: %s\nArch: %s",
		version,
		date,
		buildSource,
		commit,
		runtime.GOOS,
		runtime.GOARCH,
	)

	flaggy.SetName("minifly")
	flaggy.SetDescription("A local emulator of the Fly.io Machines API")
	flaggy.DefaultParser.AdditionalHelpPrepend = "https://fly.io/docs/machines/api/"

	flaggy.Bool(&configFlag, "c", "config", "Print the current effective config")
	flaggy.Bool(&debuggingFlag, "d", "debug", "enable debug logging")
	flaggy.Bool(&devFlag, "", "dev", "run in dev mode (disables bearer auth)")
	flaggy.String(&dataRoot, "", "data-dir", "override the data root (default: <config dir>/data)")
	flaggy.SetVersion(info)

	flaggy.Parse()

	cfg, err := config.New("minifly", version, commit, date, debuggingFlag, devFlag, dataRoot)
	if err != nil {
		log.Fatal(err.Error())
	}

	if configFlag {
		effective, err := cfg.EncodeEffective()
		if err != nil {
			log.Fatal(err.Error())
		}
		fmt.Printf("%v\n", effective)
		os.Exit(0)
	}

	a, err := app.NewApp(cfg)
	if err == nil {
		err = a.Run()
	}
	if a != nil {
		a.Close()
	}

	if err == nil {
		if a != nil && a.Signaled {
			os.Exit(130)
		}
		return
	}

	if a != nil {
		if errMessage, known := a.KnownError(err); known {
			log.Println(errMessage)
			os.Exit(0)
		}
	}

	newErr := errors.Wrap(err, 0)
	stackTrace := newErr.ErrorStack()
	if a != nil {
		a.Log.Error(stackTrace)
	}

	log.Fatalf("minifly exited with an error\n\n%s", stackTrace)
}

func updateBuildInfo() {
	if version == DEFAULT_VERSION {
		if buildInfo, ok := debug.ReadBuildInfo(); ok {
			revision, ok := lo.Find(buildInfo.Settings, func(setting debug.BuildSetting) bool {
				return setting.Key == "vcs.revision"
			})
			if ok {
				commit = revision.Value
				// if minifly was built from source we'll show the version as the
				// abbreviated commit hash
				version = utils.SafeTruncate(revision.Value, 7)
			}

			// if version hasn't been set we assume that neither has the date
			buildTime, ok := lo.Find(buildInfo.Settings, func(setting debug.BuildSetting) bool {
				return setting.Key == "vcs.time"
			})
			if ok {
				date = buildTime.Value
			}
		}
	}
}
