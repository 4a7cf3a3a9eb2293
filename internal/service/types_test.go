package service

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewModelContextResolvesArtifact(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "mnist.pt")
	require.NoError(t, os.WriteFile(artifact, []byte("weights"), 0o600))

	mc, err := NewModelContext(" mnist ", "2", artifact)
	require.NoError(t, err)
	assert.Equal(t, "mnist", mc.ModelName())
	assert.Equal(t, "2", mc.ModelVersion())
	assert.Equal(t, artifact, mc.ArtifactPath())
	assert.True(t, filepath.IsAbs(mc.ArtifactPath()))
}

func TestNewModelContextEnvFallback(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "model.onnx")
	require.NoError(t, os.WriteFile(artifact, []byte("onnx"), 0o600))
	t.Setenv(ArtifactPathEnv, artifact)

	mc, err := NewModelContext("mnist", "", "")
	require.NoError(t, err)
	assert.Equal(t, artifact, mc.ArtifactPath())
}

func TestNewModelContextWithoutArtifact(t *testing.T) {
	t.Setenv(ArtifactPathEnv, "")
	mc, err := NewModelContext("mnist", "1", "")
	require.NoError(t, err)
	assert.Empty(t, mc.ArtifactPath())
}

func TestNewModelContextRejectsBadArtifacts(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.pt")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))

	cases := map[string]string{
		"missing":   filepath.Join(dir, "missing.pt"),
		"directory": dir,
		"empty":     empty,
	}
	for name, path := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewModelContext("mnist", "1", path)
			require.Error(t, err)
		})
	}

	_, err := NewModelContext("  ", "1", "")
	require.Error(t, err)
}
