// Package version provides build-time version information for tvcast.
//
// Version, Commit, Date, Branch and TreeState are injected at build time via ldflags:
//
//	go build -tags libav -ldflags "-X github.com/jmylchreest/tvcast/internal/version.Version=x.y.z \
//	                   -X github.com/jmylchreest/tvcast/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/jmylchreest/tvcast/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Build-time variables injected via ldflags.
var (
	// Version is the semantic version. Snapshots look like "1.2.3-SNAPSHOT.abc1234".
	Version = "dev"

	// Commit is the full git commit SHA.
	Commit = "unknown"

	// Date is the build timestamp in RFC3339 format.
	Date = "unknown"

	// Branch is the git branch the binary was built from.
	Branch = ""

	// TreeState is "clean" or "dirty".
	TreeState = ""
)

// ApplicationName is the canonical name of this application.
const ApplicationName = "tvcast"

// Info contains structured version information.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	Branch    string `json:"branch,omitempty"`
	TreeState string `json:"tree_state,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	BuildTags string `json:"build_tags,omitempty"`
	// Backend names the media backend compiled into the binary.
	Backend string `json:"backend,omitempty"`
}

// GetInfo returns all version information as a structured type.
func GetInfo() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		Branch:    Branch,
		TreeState: TreeState,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		BuildTags: buildTags(),
	}
}

// WithBackend returns a copy of i naming the media backend.
func (i Info) WithBackend(name string) Info {
	i.Backend = name
	return i
}

func buildTags() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range bi.Settings {
		if s.Key == "-tags" {
			return s.Value
		}
	}
	return ""
}

// shortCommit returns the first 8 characters of the commit with a dirty marker.
func shortCommit() string {
	if Commit == "unknown" || len(Commit) < 8 {
		return ""
	}
	c := Commit[:8]
	if TreeState == "dirty" {
		c += "*"
	}
	return c
}

// String returns a human-readable version string.
func String() string {
	info := GetInfo()
	commit := shortCommit()
	if commit == "" {
		return fmt.Sprintf("%s version %s (%s, %s)", ApplicationName, info.Version, info.GoVersion, info.Platform)
	}
	details := []string{"commit: " + commit}
	if info.Branch != "" {
		details = append(details, "branch: "+info.Branch)
	}
	details = append(details, "built: "+info.Date, info.GoVersion, info.Platform)
	return fmt.Sprintf("%s version %s (%s)", ApplicationName, info.Version, strings.Join(details, ", "))
}

// Short returns a short version string suitable for CLI --version output.
// Cobra prefixes the application name.
func Short() string {
	if commit := shortCommit(); commit != "" {
		return fmt.Sprintf("%s (%s)", Version, commit)
	}
	return Version
}

// JSON returns the version information as indented JSON.
func JSON() string {
	data, err := json.MarshalIndent(GetInfo(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// UserAgent identifies tvcast to streaming servers.
func UserAgent() string {
	return fmt.Sprintf("%s/%s", ApplicationName, Version)
}

// IsSnapshot returns true if this is a snapshot/prerelease build.
func IsSnapshot() bool {
	return Version == "dev" || strings.Contains(Version, "-SNAPSHOT")
}
