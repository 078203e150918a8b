package version

import (
	"fmt"
	"runtime"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/slate/errors"
)

// Build information. These variables are set at build time via ldflags.
var (
	// CommitHash is the git commit hash when the binary was built
	CommitHash = "dev"

	// BuildTime is when the binary was built
	BuildTime = "unknown"

	// Version is the semantic version (if tagged)
	Version = "dev"
)

// APIVersion is the version of the HTTP job API this binary serves.
// Bump the minor version for additive routes, the major for breaking ones.
const APIVersion = "1.1.0"

// APIConstraint is the range of server API versions this binary's remote
// driver can talk to.
const APIConstraint = ">= 1.0.0, < 2.0.0"

// Info contains version and build information
type Info struct {
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	Version    string `json:"version"`
	APIVersion string `json:"api_version"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get returns the current version information
func Get() Info {
	return Info{
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		Version:    Version,
		APIVersion: APIVersion,
		GoVersion:  runtime.Version(),
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String returns a human-readable version string
func (i Info) String() string {
	if i.Version != "dev" {
		return fmt.Sprintf("slate %s (api %s, commit %s, built %s)", i.Version, i.APIVersion, i.CommitHash, i.BuildTime)
	}
	return fmt.Sprintf("slate dev (api %s, commit %s, built %s)", i.APIVersion, i.CommitHash, i.BuildTime)
}

// Short returns a short version string with just the commit hash
func (i Info) Short() string {
	if len(i.CommitHash) >= 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}

// CheckAPICompatible reports whether a server advertising apiVersion satisfies
// constraint. An empty constraint accepts anything.
func CheckAPICompatible(apiVersion, constraint string) error {
	if constraint == "" {
		return nil
	}

	serverVer, err := semver.NewVersion(apiVersion)
	if err != nil {
		return errors.Wrapf(err, "invalid server api version %q", apiVersion)
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return errors.Wrapf(err, "invalid api version constraint %q", constraint)
	}

	if !c.Check(serverVer) {
		return errors.Newf("server api %s does not satisfy %s", apiVersion, constraint)
	}
	return nil
}
