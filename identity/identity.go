// Package identity persists the node's id and name across restarts.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/tynkerbase/tynkerbase-agent/log"
	"github.com/tynkerbase/tynkerbase-agent/prompt"
)

// IDLength is the number of lowercase letters in a node id.
const IDLength = 32

// ErrCorrupt is returned when the identity file does not decode.
var ErrCorrupt = errors.New("corrupt node identity")

// Node is the persistent identity of this host.
type Node struct {
	ID   string
	Name string
}

// NameChecker asks the control plane whether a node name is in use.
type NameChecker interface {
	NodeNameTaken(ctx context.Context, email, passSHA256, name string) (bool, error)
}

// Store reads and writes <root>/data/node-info.bin.
type Store struct {
	fs       afero.Fs
	path     string
	checker  NameChecker
	prompter prompt.Prompter
	logger   *log.Logger
}

func NewStore(fs afero.Fs, rootDir string, checker NameChecker, prompter prompt.Prompter) *Store {
	return &Store{
		fs:       fs,
		path:     filepath.Join(rootDir, "data", "node-info.bin"),
		checker:  checker,
		prompter: prompter,
		logger:   log.Get().Named("Identity"),
	}
}

// Path is the location of the identity file.
func (s *Store) Path() string {
	return s.path
}

// LoadOrCreate returns the stored identity. A missing or corrupt file is
// replaced by a new identity whose name the operator picks.
func (s *Store) LoadOrCreate(ctx context.Context, email, passSHA256 string) (Node, error) {
	node, err := s.load()
	switch {
	case err == nil:
		s.logger.Infow("Loaded node identity", "node_id", node.ID, "name", node.Name)
		return node, nil

	case errors.Is(err, ErrCorrupt):
		s.logger.Warnw("Discarding corrupt node identity", "path", s.path, "error", err)
		if err := s.fs.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return Node{}, errors.Wrap(err, "remove corrupt identity")
		}

	case os.IsNotExist(errors.Cause(err)):

	default:
		return Node{}, err
	}

	id, err := NewID()
	if err != nil {
		return Node{}, err
	}

	name, err := s.pickName(ctx, email, passSHA256)
	if err != nil {
		return Node{}, err
	}

	node = Node{ID: id, Name: name}
	if err := s.write(node); err != nil {
		return Node{}, err
	}

	s.logger.Infow("Created node identity", "node_id", node.ID, "name", node.Name)
	return node, nil
}

func (s *Store) load() (Node, error) {
	b, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		return Node{}, errors.Wrap(err, "read identity")
	}
	return Decode(b)
}

// pickName prompts until the control plane reports the name as available.
func (s *Store) pickName(ctx context.Context, email, passSHA256 string) (string, error) {
	for {
		name, err := s.prompter.Input("Enter a name for this node")
		if err != nil {
			return "", errors.Wrap(err, "read node name")
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		taken, err := s.checker.NodeNameTaken(ctx, email, passSHA256, name)
		if err != nil {
			return "", err
		}
		if !taken {
			return name, nil
		}

		s.logger.Warnf("Node name `%s` already exists", name)
	}
}

// write replaces the identity file atomically.
func (s *Store) write(node Node) error {
	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create data dir")
	}

	f, err := afero.TempFile(s.fs, dir, ".node-info-*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp identity")
	}
	tmp := f.Name()

	if _, err := f.Write(Encode(node)); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return errors.Wrap(err, "write identity")
	}
	if err := f.Close(); err != nil {
		s.fs.Remove(tmp)
		return errors.Wrap(err, "close identity")
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		s.fs.Remove(tmp)
		return errors.Wrap(err, "rename identity")
	}
	return nil
}

// NewID returns IDLength random lowercase ASCII letters.
func NewID() (string, error) {
	id := make([]byte, 0, IDLength)
	buf := make([]byte, IDLength)
	for len(id) < IDLength {
		if _, err := io.ReadFull(rand.Reader, buf); err != nil {
			return "", errors.Wrap(err, "generate node id")
		}
		for _, b := range buf {
			// 234 is the largest multiple of 26 below 256.
			if b >= 234 || len(id) == IDLength {
				continue
			}
			id = append(id, 'a'+b%26)
		}
	}
	return string(id), nil
}

func validID(id string) bool {
	if len(id) != IDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 'a' || id[i] > 'z' {
			return false
		}
	}
	return true
}

// Encode serializes a node as two u64le length-prefixed strings.
func Encode(node Node) []byte {
	b := make([]byte, 0, 16+len(node.ID)+len(node.Name))
	b = binary.LittleEndian.AppendUint64(b, uint64(len(node.ID)))
	b = append(b, node.ID...)
	b = binary.LittleEndian.AppendUint64(b, uint64(len(node.Name)))
	b = append(b, node.Name...)
	return b
}

// Decode parses the output of Encode.
func Decode(b []byte) (Node, error) {
	id, rest, err := readString(b)
	if err != nil {
		return Node{}, errors.Wrap(err, "node id")
	}
	name, rest, err := readString(rest)
	if err != nil {
		return Node{}, errors.Wrap(err, "node name")
	}
	if len(rest) != 0 {
		return Node{}, errors.Wrapf(ErrCorrupt, "%d trailing bytes", len(rest))
	}
	if !validID(id) {
		return Node{}, errors.Wrapf(ErrCorrupt, "invalid node id %q", id)
	}
	if name == "" {
		return Node{}, errors.Wrap(ErrCorrupt, "empty node name")
	}
	return Node{ID: id, Name: name}, nil
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 8 {
		return "", nil, errors.Wrap(ErrCorrupt, "short length prefix")
	}
	n := binary.LittleEndian.Uint64(b)
	b = b[8:]
	if n > uint64(len(b)) {
		return "", nil, errors.Wrapf(ErrCorrupt, "length %d exceeds %d remaining bytes", n, len(b))
	}
	return string(b[:n]), b[n:], nil
}
