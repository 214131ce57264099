// Package buildinfo holds build-time metadata that is not user configuration
package buildinfo

import "fmt"

// Context is injected at startup from ldflags
type Context struct {
	// Version is the git tag the binary was built from
	Version string

	// BuildDate is the time the binary was built
	BuildDate string
}

// New returns a Context for the given ldflags values
func New(version, buildDate string) *Context {
	return &Context{Version: version, BuildDate: buildDate}
}

func (c *Context) GetVersion() string {
	if c == nil || c.Version == "" {
		return "unknown"
	}
	return c.Version
}

func (c *Context) GetBuildDate() string {
	if c == nil || c.BuildDate == "" {
		return "unknown"
	}
	return c.BuildDate
}

// Release is the identifier reported with telemetry events
func (c *Context) Release() string {
	return fmt.Sprintf("leafwatch@%s", c.GetVersion())
}

// String renders the version line printed by the CLI
func (c *Context) String() string {
	return fmt.Sprintf("LeafWatch %s (built %s)", c.GetVersion(), c.GetBuildDate())
}
