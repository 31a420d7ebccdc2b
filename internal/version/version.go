// Package version provides version information for the Stellar MPD server.
package version

import "fmt"

// These variables are set at build time using -ldflags
var (
	// Name is the application name
	Name = "Stellar MPD"

	// Version is the semantic version (set via -ldflags at build time)
	Version = "0.3.0"

	// BuildTime is the build timestamp (set via -ldflags at build time)
	BuildTime = ""

	// GitCommit is the git commit hash (set via -ldflags at build time)
	GitCommit = ""
)

// ProtocolVersion is the MPD protocol version announced in the greeting.
const ProtocolVersion = "0.19.0"

// Info contains version information
type Info struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Protocol  string `json:"protocol"`
	BuildTime string `json:"buildTime,omitempty"`
	GitCommit string `json:"gitCommit,omitempty"`
}

// GetInfo returns the current version information
func GetInfo() Info {
	return Info{
		Name:      Name,
		Version:   Version,
		Protocol:  ProtocolVersion,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
	}
}

// Greeting returns the line sent to every MPD client right after accept.
func Greeting() string {
	return "OK MPD " + ProtocolVersion + "\n"
}

// String returns a formatted version string
func (i Info) String() string {
	s := fmt.Sprintf("%s v%s (protocol %s)", i.Name, i.Version, i.Protocol)
	if i.GitCommit != "" {
		s += fmt.Sprintf(" [%s]", i.GitCommit[:min(7, len(i.GitCommit))])
	}
	if i.BuildTime != "" {
		s += fmt.Sprintf(" built %s", i.BuildTime)
	}
	return s
}
