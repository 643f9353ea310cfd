// Package serverdir locates versioned analysis-server installations on disk.
//
// Installations live under a root directory as folders named
// "languageServer.<major>.<minor>.<patch>". The resolver picks the highest
// installed version.
package serverdir

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Cetlan/vscode-python/internal/langserver"
)

// folderPrefix is the installation folder naming convention.
const folderPrefix = "languageServer."

// ErrNoInstallation means the root holds no recognizable server install.
var ErrNoInstallation = errors.New("serverdir: no language server installation found")

// Resolver scans a root directory for server installations. It implements
// langserver.FolderResolver.
type Resolver struct {
	root string
	log  zerolog.Logger
}

// NewResolver creates a resolver over the given root directory.
func NewResolver(root string, log zerolog.Logger) *Resolver {
	return &Resolver{
		root: root,
		log:  log.With().Str("component", "serverdir").Logger(),
	}
}

// CurrentServerDirectory returns the highest-version installation under the
// root. Folders that do not follow the naming convention are skipped.
func (r *Resolver) CurrentServerDirectory(ctx context.Context) (*langserver.ServerDirectory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, err
	}

	var (
		best        version
		bestName    string
		bestVersion string
	)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		raw, ok := strings.CutPrefix(entry.Name(), folderPrefix)
		if !ok {
			continue
		}
		v, ok := parseVersion(raw)
		if !ok {
			r.log.Debug().Str("folder", entry.Name()).Msg("skipping unparseable server folder")
			continue
		}
		if bestName == "" || v.compare(best) > 0 {
			best = v
			bestName = entry.Name()
			bestVersion = raw
		}
	}

	if bestName == "" {
		return nil, ErrNoInstallation
	}
	return &langserver.ServerDirectory{
		Path:    filepath.Join(r.root, bestName),
		Version: bestVersion,
	}, nil
}

// version is a parsed major.minor.patch triple.
type version struct {
	major, minor, patch int
}

// compare returns -1, 0, or 1.
func (v version) compare(other version) int {
	for _, d := range [3]int{v.major - other.major, v.minor - other.minor, v.patch - other.patch} {
		if d < 0 {
			return -1
		}
		if d > 0 {
			return 1
		}
	}
	return 0
}

func parseVersion(raw string) (version, bool) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return version{}, false
	}
	var v version
	for i, dst := range []*int{&v.major, &v.minor, &v.patch} {
		n, err := strconv.Atoi(parts[i])
		if err != nil || n < 0 {
			return version{}, false
		}
		*dst = n
	}
	return v, true
}
