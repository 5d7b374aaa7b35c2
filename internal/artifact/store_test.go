package artifact

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"capman/internal/report"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadAndStream(t *testing.T) {
	s := NewStore(t.TempDir())

	meta, err := s.Upload([]byte("payload"), "out.txt", "text/plain")
	require.NoError(t, err)
	assert.Equal(t, int64(7), meta.SizeBytes)
	assert.NotEmpty(t, meta.Checksum)

	rc, got, err := s.GetStream(meta.ID)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, meta.ID, got.ID)
}

func TestShardedLayout(t *testing.T) {
	base := t.TempDir()
	s := NewStore(base)

	meta, err := s.Upload([]byte("x"), "f", "application/octet-stream")
	require.NoError(t, err)

	expected := filepath.Join(base, meta.ID[0:2], meta.ID[2:4], meta.ID, "artifact.dat")
	_, statErr := os.Stat(expected)
	assert.NoError(t, statErr)
}

func TestGetStreamNotFound(t *testing.T) {
	s := NewStore(t.TempDir())
	_, _, err := s.GetStream("deadbeef-0000")
	se, ok := report.AsStructured(err)
	require.True(t, ok)
	assert.Equal(t, report.CodeArtifactNotFound, se.Code)
}

func TestMissingPayloadDespiteMetadata(t *testing.T) {
	base := t.TempDir()
	s := NewStore(base)

	meta, err := s.Upload([]byte("x"), "f", "text/plain")
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(base, meta.ID[0:2], meta.ID[2:4], meta.ID, "artifact.dat")))

	_, _, err = s.GetStream(meta.ID)
	se, ok := report.AsStructured(err)
	require.True(t, ok)
	assert.Equal(t, report.CodeArtifactFileMissing, se.Code)
	assert.Equal(t, report.SeverityCritical, se.Severity)
}
