// Package homehub is the root package of the home-automation hub
// module; it carries only the build-wide version string cmd/ and
// restapi/ report.
package homehub

import "fmt"

// Version is the hub's release version, reported by `hubctl
// --version` and GET /api/config.
var Version = "0.1.0"

// VersionJSON renders Version as the minimal JSON object the REST
// config endpoint and CLI --version flag both emit.
func VersionJSON() []byte {
	return []byte(fmt.Sprintf(`{"version": "%s"}`, Version))
}
