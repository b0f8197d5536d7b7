package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScripted(t *testing.T) {
	s := &Scripted{
		Inputs:   []string{"edge-1"},
		Secrets:  []string{"hunter2"},
		Confirms: []bool{true},
	}

	name, err := s.Input("name")
	require.NoError(t, err)
	assert.Equal(t, "edge-1", name)

	pass, err := s.Secret("password")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pass)

	ok, err := s.Confirm("install?")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.Input("again")
	assert.ErrorIs(t, err, ErrExhausted)

	assert.Equal(t, []string{"name", "password", "install?", "again"}, s.Asked())
}

func TestMapError(t *testing.T) {
	assert.NoError(t, mapError(nil))
}

func TestTrimLineEnding(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{" pw ", " pw "},
		{"pw\n", "pw"},
		{"pw\r\n", "pw"},
		{"\tpw \r\n", "\tpw "},
		{"pw\n\n", "pw\n"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.out, trimLineEnding(tt.in), "%q", tt.in)
	}
}
