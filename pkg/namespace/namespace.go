// Package namespace maps identifiers owned by a single MCP server into the
// gateway's merged catalogue and back. The encoded form is "<server>__<name>";
// the server segment is everything before the first "__", which keeps names
// routable even when the original identifier itself contains "__".
package namespace

import (
	"os"
	"strings"
)

// Separator joins the server name and the original identifier.
const Separator = "__"

// skipEnvVar disables the codec process-wide. Only meant for conformance
// suite runs against a single child.
const skipEnvVar = "__MCPBOX_SKIP_NAMESPACE"

// Disabled reports whether namespacing is turned off for this process.
func Disabled() bool {
	return os.Getenv(skipEnvVar) != ""
}

// Encode prefixes name with the owning server.
func Encode(server, name string) string {
	if Disabled() {
		return name
	}
	return server + Separator + name
}

// Decode extracts the server segment from an encoded identifier. It returns
// false when s carries no non-empty server prefix.
func Decode(s string) (server string, ok bool) {
	if Disabled() {
		return "", false
	}
	prefix, _, found := strings.Cut(s, Separator)
	if !found || prefix == "" {
		return "", false
	}
	return prefix, true
}

// Strip removes the "<server>__" prefix from s. The result round-trips with
// Encode for any non-empty server, including names that contain "__".
func Strip(server, s string) string {
	if Disabled() {
		return s
	}
	return strings.TrimPrefix(s, server+Separator)
}
