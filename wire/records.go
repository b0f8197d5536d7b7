package wire

import (
	"path"
	"strings"

	"github.com/pkg/errors"
)

// File is one entry of a FileBundle. Path is slash separated and relative to
// the project root.
type File struct {
	Path string `cbor:"path"`
	Data []byte `cbor:"data"`
}

// FileBundle is the on-wire representation of a project tree.
type FileBundle struct {
	Files []File `cbor:"files"`
}

// ErrUnsafePath is returned for bundle paths that would escape the project root.
var ErrUnsafePath = errors.New("unsafe bundle path")

// CleanPath validates a bundle path and returns its canonical form.
func CleanPath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" || strings.HasPrefix(p, "/") {
		return "", errors.Wrapf(ErrUnsafePath, "%q", p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", errors.Wrapf(ErrUnsafePath, "%q", p)
	}
	return clean, nil
}

// ProjConfig is the body of a spawn-container request.
type ProjConfig struct {
	ProjName      string      `cbor:"proj_name"`
	PortMapping   [][2]uint16 `cbor:"port_mapping"`
	VolumeMapping [][2]string `cbor:"volume_mapping"`
}

// NodePublication is posted to the control plane every time the tunnel comes up.
type NodePublication struct {
	Email  string `cbor:"email"`
	NodeID string `cbor:"node_id"`
	Name   string `cbor:"name"`
	Addr   string `cbor:"addr"`
}
