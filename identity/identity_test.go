package identity

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tynkerbase/tynkerbase-agent/prompt"
)

// probe answers "taken" until it has been called takenCount times.
type probe struct {
	takenCount int
	err        error
	names      []string
}

func (p *probe) NodeNameTaken(ctx context.Context, email, passSHA256, name string) (bool, error) {
	p.names = append(p.names, name)
	if p.err != nil {
		return false, p.err
	}
	return len(p.names) <= p.takenCount, nil
}

func TestLoadOrCreate_FirstRun(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := &probe{}
	store := NewStore(fs, "/root", p, &prompt.Scripted{Inputs: []string{"edge-1"}})

	node, err := store.LoadOrCreate(context.Background(), "alice@example.com", "hash")
	require.NoError(t, err)
	assert.Equal(t, "edge-1", node.Name)
	assert.True(t, validID(node.ID))

	exists, err := afero.Exists(fs, "/root/data/node-info.bin")
	require.NoError(t, err)
	assert.True(t, exists)

	entries, err := afero.ReadDir(fs, "/root/data")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestLoadOrCreate_RestartKeepsID(t *testing.T) {
	fs := afero.NewMemMapFs()
	first, err := NewStore(fs, "/root", &probe{}, &prompt.Scripted{Inputs: []string{"edge-1"}}).
		LoadOrCreate(context.Background(), "alice@example.com", "hash")
	require.NoError(t, err)

	p := &probe{}
	prompter := &prompt.Scripted{}
	second, err := NewStore(fs, "/root", p, prompter).
		LoadOrCreate(context.Background(), "alice@example.com", "hash")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Empty(t, prompter.Asked(), "name prompt skipped")
	assert.Empty(t, p.names, "no probe on restart")
}

func TestLoadOrCreate_NameLoopStoresNth(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := &probe{takenCount: 3}
	prompter := &prompt.Scripted{Inputs: []string{"a", "", "b", "c", "d"}}

	node, err := NewStore(fs, "/root", p, prompter).LoadOrCreate(context.Background(), "alice@example.com", "hash")
	require.NoError(t, err)

	assert.Equal(t, "d", node.Name)
	assert.Equal(t, []string{"a", "b", "c", "d"}, p.names, "empty name is not probed")

	b, err := afero.ReadFile(fs, "/root/data/node-info.bin")
	require.NoError(t, err)
	stored, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "d", stored.Name)
}

func TestLoadOrCreate_CorruptRegenerates(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/root/data/node-info.bin", []byte("garbage"), 0o644))

	node, err := NewStore(fs, "/root", &probe{}, &prompt.Scripted{Inputs: []string{"edge-1"}}).
		LoadOrCreate(context.Background(), "alice@example.com", "hash")
	require.NoError(t, err)
	assert.Equal(t, "edge-1", node.Name)

	b, err := afero.ReadFile(fs, "/root/data/node-info.bin")
	require.NoError(t, err)
	stored, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, node, stored)
}

func TestLoadOrCreate_ProbeErrorIsFatal(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := &probe{err: errors.New("control plane down")}

	_, err := NewStore(fs, "/root", p, &prompt.Scripted{Inputs: []string{"edge-1"}}).
		LoadOrCreate(context.Background(), "alice@example.com", "hash")
	require.Error(t, err)

	exists, _ := afero.Exists(fs, "/root/data/node-info.bin")
	assert.False(t, exists)
}

func TestLoadOrCreate_WriteErrorIsFatal(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())

	_, err := NewStore(fs, "/root", &probe{}, &prompt.Scripted{Inputs: []string{"edge-1"}}).
		LoadOrCreate(context.Background(), "alice@example.com", "hash")
	assert.Error(t, err)
}

func TestDecode(t *testing.T) {
	good := Node{ID: "abcdefghijklmnopqrstuvwxyzabcdef", Name: "edge-1"}

	node, err := Decode(Encode(good))
	require.NoError(t, err)
	assert.Equal(t, good, node)

	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"short prefix", []byte{1, 2, 3}},
		{"trailing bytes", append(Encode(good), 0)},
		{"truncated", Encode(good)[:20]},
		{"empty name", Encode(Node{ID: good.ID})},
		{"bad id", Encode(Node{ID: "ABC", Name: "edge-1"})},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Decode(test.in)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestNewID(t *testing.T) {
	a, err := NewID()
	require.NoError(t, err)
	b, err := NewID()
	require.NoError(t, err)

	assert.True(t, validID(a))
	assert.True(t, validID(b))
	assert.NotEqual(t, a, b)
}
