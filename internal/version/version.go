// Package version identifies the running tickmux build. The release
// pipeline stamps the variables with -ldflags "-X", for example
//
//	-X github.com/rickgao/tickmux/internal/version.Version=v0.4.1
//
// and an unstamped binary reports "dev".
package version

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// String renders the build for the startup log line.
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}

// UserAgent is sent on REST calls and the feed handshake.
func UserAgent() string {
	return "tickmux/" + Version
}
