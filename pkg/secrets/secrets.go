// Package secrets implements the two-level flat KEY=VALUE file store (C4):
// a shared secrets.default and a per-app secrets.<app>, both in the
// invocation directory. App-specific keys override shared keys; within one
// file the last assignment wins. Secrets are materialized only into the
// environment of a machine being (re)started — never persisted to the
// store, never logged.
package secrets

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/NoHeadDotDev/minifly/pkg/apierr"
	"github.com/NoHeadDotDev/minifly/pkg/config"
)

// Load reads secrets.default then secrets.<app> from invocationDir and
// returns the merged key/value map, app-specific taking precedence.
func Load(invocationDir, app string) (map[string]string, error) {
	merged := map[string]string{}

	defaultFile, err := readFile(config.SecretsPath(invocationDir, ""))
	if err != nil {
		return nil, err
	}
	for k, v := range defaultFile {
		merged[k] = v
	}

	if app != "" {
		appFile, err := readFile(config.SecretsPath(invocationDir, app))
		if err != nil {
			return nil, err
		}
		for k, v := range appFile {
			merged[k] = v
		}
	}

	return merged, nil
}

// readFile parses a KEY=VALUE file, '#' comments allowed, last assignment
// wins. A missing file is not an error: it contributes nothing.
func readFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, apierr.Wrap(err, apierr.Internal, "open secrets file %s", path)
	}
	defer f.Close()

	values := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, apierr.Wrap(err, apierr.Internal, "read secrets file %s", path)
	}
	return values, nil
}

// Set upserts a single key in the given file (app == "" for the shared
// file), rewriting the file atomically with 0600 permissions.
func Set(invocationDir, app, key, value string) error {
	path := config.SecretsPath(invocationDir, app)
	values, err := readFile(path)
	if err != nil {
		return err
	}
	values[key] = value
	return writeFile(path, values)
}

// Remove deletes a single key from the given file.
func Remove(invocationDir, app, key string) error {
	path := config.SecretsPath(invocationDir, app)
	values, err := readFile(path)
	if err != nil {
		return err
	}
	delete(values, key)
	return writeFile(path, values)
}

// List returns the keys set in the given file, with values redacted — the
// CLI's `secrets list` never prints values.
func List(invocationDir, app string) ([]string, error) {
	values, err := readFile(config.SecretsPath(invocationDir, app))
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func writeFile(path string, values map[string]string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s=%s\n", k, values[k])
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o600); err != nil {
		return apierr.Wrap(err, apierr.Internal, "write secrets file %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apierr.Wrap(err, apierr.Internal, "rename secrets file into place %s", path)
	}
	return nil
}
