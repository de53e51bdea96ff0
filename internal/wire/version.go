// Package wire decodes server responses into domain records. Each parser
// consumes a token stream (textual JSON or binary MessagePack) and produces
// records incrementally, either into a callback or collected into a slice.
package wire

import (
	"strings"

	"golang.org/x/mod/semver"
)

// ServerVersion is a dotted server protocol version, e.g. "1.6", as
// negotiated from the Server response header.
type ServerVersion string

// Version thresholds for version-gated server behaviors.
const (
	// VersionFlatInstanceIDs is the first server version that emits
	// 5-segment instance ids needing the collapse rewrite.
	VersionFlatInstanceIDs ServerVersion = "1.4"
	// VersionAnnotations is the first server version with annotation endpoints.
	VersionAnnotations ServerVersion = "1.6"
)

// AtLeast reports whether v >= min, comparing dotted components numerically.
// An empty or unparseable version compares below everything.
func (v ServerVersion) AtLeast(min ServerVersion) bool {
	cv := canonVersion(v)
	cm := canonVersion(min)
	if !semver.IsValid(cv) {
		return false
	}
	return semver.Compare(cv, cm) >= 0
}

func canonVersion(v ServerVersion) string {
	s := strings.TrimSpace(string(v))
	if s == "" {
		return ""
	}
	if s[0] != 'v' {
		s = "v" + s
	}
	return s
}

// ParseServerHeader extracts the version from a Server response header of
// the form "<name>/<version>". Returns "" when the header has no version.
func ParseServerHeader(header string) ServerVersion {
	_, version, ok := strings.Cut(header, "/")
	if !ok {
		return ""
	}
	return ServerVersion(strings.TrimSpace(version))
}

// CanonicalInstanceID collapses a 5-segment legacy instance id
// ("region/AWS/Service/Dimension/ID") to its 4-segment canonical form
// ("region/AWS/Service/ID"). Servers at or above VersionFlatInstanceIDs
// emit the legacy form; older servers already send the canonical one.
func CanonicalInstanceID(id string, v ServerVersion) string {
	if !v.AtLeast(VersionFlatInstanceIDs) {
		return id
	}
	parts := strings.Split(id, "/")
	if len(parts) != 5 || parts[1] != "AWS" {
		return id
	}
	return strings.Join([]string{parts[0], parts[1], parts[2], parts[4]}, "/")
}
