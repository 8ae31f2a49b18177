package litefs

import (
	"os"
	"path/filepath"

	"github.com/NoHeadDotDev/minifly/pkg/manifest"
)

// Materialize writes the adapted replicated-SQLite config to plan.YAMLPath
// and ensures its data and fuse mount directories exist, so the supervised
// binary has somewhere to write before it's launched (§4.6 step 3).
func Materialize(plan *manifest.LiteFSPlan) error {
	if err := os.MkdirAll(plan.DataDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(plan.FuseDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(plan.YAMLPath), 0o755); err != nil {
		return err
	}

	data, err := plan.Config.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(plan.YAMLPath, data, 0o644)
}
