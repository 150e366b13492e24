// Package stepname parses and validates step names.
//
// A step name is a URI of the form
//
//	<channel>://<namespace>/<version>/<short_name>
//
// e.g. data://energy/2024-06-20/consumption. The channel selects the step
// variant; the remaining segments locate the step's sources and outputs on
// disk. Parsing is total: malformed names are rejected at load time.
package stepname

import (
	"fmt"
	"regexp"
	"strings"
)

// Channel selects the execution strategy of a step.
type Channel string

const (
	// ChannelData is a transformation step: reads upstream outputs, runs a
	// registered transform function, writes a new dataset.
	ChannelData Channel = "data"
	// ChannelSnapshot references raw ingested bytes already on disk.
	ChannelSnapshot Channel = "snapshot"
	// ChannelGithub marks a pinned upstream repository; its checksum is an
	// externally fetched signal.
	ChannelGithub Channel = "github"
	// ChannelEtag marks an external HTTP resource tracked by ETag.
	ChannelEtag Channel = "etag"
	// ChannelMarker is a no-op step that only expresses a dependency edge.
	ChannelMarker Channel = "marker"
)

var validChannels = map[Channel]bool{
	ChannelData:     true,
	ChannelSnapshot: true,
	ChannelGithub:   true,
	ChannelEtag:     true,
	ChannelMarker:   true,
}

// externalChannels may appear as a dependency without a formal definition in
// any dependency-spec document.
var externalChannels = map[Channel]bool{
	ChannelSnapshot: true,
	ChannelGithub:   true,
	ChannelEtag:     true,
}

var segmentRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Name is the parsed form of a step name URI.
type Name struct {
	Channel   Channel
	Namespace string
	Version   string
	ShortName string
}

// Parse parses a step name URI. Every malformed input yields an error; a nil
// error guarantees all four components are populated and valid.
func Parse(raw string) (Name, error) {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return Name{}, fmt.Errorf("step name %q: missing channel scheme", raw)
	}
	ch := Channel(scheme)
	if !validChannels[ch] {
		return Name{}, fmt.Errorf("step name %q: unknown channel %q", raw, scheme)
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return Name{}, fmt.Errorf("step name %q: want <channel>://<namespace>/<version>/<short_name>", raw)
	}
	for _, p := range parts {
		if !segmentRe.MatchString(p) {
			return Name{}, fmt.Errorf("step name %q: invalid segment %q", raw, p)
		}
	}

	return Name{
		Channel:   ch,
		Namespace: parts[0],
		Version:   parts[1],
		ShortName: parts[2],
	}, nil
}

// MustParse parses a step name and panics on error. For tests and constants.
func MustParse(raw string) Name {
	n, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return n
}

// String returns the canonical URI form.
func (n Name) String() string {
	return fmt.Sprintf("%s://%s/%s/%s", n.Channel, n.Namespace, n.Version, n.ShortName)
}

// Path returns the on-disk relative path for the step's sources or outputs:
// <namespace>/<version>/<short_name>.
func (n Name) Path() string {
	return n.Namespace + "/" + n.Version + "/" + n.ShortName
}

// IsExternal reports whether the name's channel is allowed to appear as a
// dependency leaf without a definition of its own.
func (n Name) IsExternal() bool {
	return externalChannels[n.Channel]
}

// IsExternalRef reports whether a raw reference string belongs to an external
// channel without fully parsing it. Used by the loader to decide whether an
// undefined dependency is an error.
func IsExternalRef(raw string) bool {
	scheme, _, ok := strings.Cut(raw, "://")
	if !ok {
		return false
	}
	return externalChannels[Channel(scheme)]
}
