// Package artifacts generates per-execution artifact locations and records
// bookkeeping info about produced outputs. Artifact data is always addressed
// by opaque URI; nothing here reads artifact content.
package artifacts

import (
	"strings"
)

const dataLeaf = "data"
const logFileName = "log.txt"

// Namer generates deterministic, sanitized URIs under a data root and a logs
// root for everything one container execution touches.
type Namer struct {
	dataRoot string
	logsRoot string
}

func NewNamer(dataRoot, logsRoot string) *Namer {
	return &Namer{
		dataRoot: strings.TrimRight(strings.TrimSpace(dataRoot), "/"),
		logsRoot: strings.TrimRight(strings.TrimSpace(logsRoot), "/"),
	}
}

// InputURI is the staging location for a constant input value that must be
// materialized for the container.
func (n *Namer) InputURI(executionID, inputName string) string {
	return n.dataRoot + "/by_execution/" + sanitize(executionID) + "/inputs/" + sanitize(inputName) + "/" + dataLeaf
}

// OutputURI is where the container must write the named output.
func (n *Namer) OutputURI(executionID, outputName string) string {
	return n.dataRoot + "/by_execution/" + sanitize(executionID) + "/outputs/" + sanitize(outputName) + "/" + dataLeaf
}

// LogURI is where the execution log is uploaded.
func (n *Namer) LogURI(executionID string) string {
	return n.logsRoot + "/by_execution/" + sanitize(executionID) + "/" + logFileName
}

// OutputURIs maps every declared output port to its generated URI.
func (n *Namer) OutputURIs(executionID string, outputNames []string) map[string]string {
	uris := make(map[string]string, len(outputNames))
	for _, name := range outputNames {
		uris[name] = n.OutputURI(executionID, name)
	}
	return uris
}

// sanitize keeps URI path segments filesystem- and object-key-safe.
// Sanitization can collide distinct names; execution ids keep segments unique.
func sanitize(segment string) string {
	var b strings.Builder
	b.Grow(len(segment))
	for _, r := range segment {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" {
		return "_"
	}
	return out
}
