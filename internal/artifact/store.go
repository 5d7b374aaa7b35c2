// Package artifact implements the local artifact store used by plugin
// executions that produce files. Artifacts are content-addressed into a
// two-level sharded directory layout so the on-disk state stays compatible
// across versions: <base>/<id[0:2]>/<id[2:4]>/<id>/artifact.dat plus
// metadata.json.
package artifact

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"capman/internal/report"
	"capman/pkg/logging"

	"github.com/google/uuid"
)

// Metadata describes one stored artifact.
type Metadata struct {
	ID         string    `json:"id"`
	FileName   string    `json:"fileName"`
	MimeType   string    `json:"mimeType"`
	SizeBytes  int64     `json:"sizeBytes"`
	Checksum   string    `json:"checksum"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// Store is the filesystem-backed artifact store.
type Store struct {
	base string
}

// NewStore creates an artifact store rooted at base.
func NewStore(base string) *Store {
	return &Store{base: base}
}

const (
	dataFileName = "artifact.dat"
	metaFileName = "metadata.json"
)

// Upload stores the buffer and returns the artifact metadata.
func (s *Store) Upload(data []byte, fileName, mimeType string) (*Metadata, error) {
	id := uuid.NewString()
	dir := s.artifactDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, report.New(report.CodeArtifactUploadFailed,
			fmt.Sprintf("failed to create artifact directory for %s", id),
			report.Opts{Source: "ArtifactStore", Cause: err})
	}

	sum := md5.Sum(data)
	meta := &Metadata{
		ID:         id,
		FileName:   fileName,
		MimeType:   mimeType,
		SizeBytes:  int64(len(data)),
		Checksum:   hex.EncodeToString(sum[:]),
		UploadedAt: time.Now().UTC(),
	}

	if err := os.WriteFile(filepath.Join(dir, dataFileName), data, 0644); err != nil {
		return nil, report.New(report.CodeArtifactUploadFailed,
			fmt.Sprintf("failed to write artifact %s", id),
			report.Opts{Source: "ArtifactStore", Cause: err})
	}

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode artifact metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFileName), metaBytes, 0644); err != nil {
		return nil, report.New(report.CodeArtifactUploadFailed,
			fmt.Sprintf("failed to write artifact metadata %s", id),
			report.Opts{Source: "ArtifactStore", Cause: err})
	}

	logging.Debug("ArtifactStore", "Stored artifact %s (%d bytes)", id, meta.SizeBytes)
	return meta, nil
}

// GetStream opens the artifact payload for reading and returns its
// metadata. A metadata record whose payload file is missing is an invariant
// violation and reported as critical.
func (s *Store) GetStream(id string) (io.ReadCloser, *Metadata, error) {
	dir := s.artifactDir(id)

	metaBytes, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, report.New(report.CodeArtifactNotFound,
				fmt.Sprintf("artifact %s not found", id),
				report.Opts{Source: "ArtifactStore", HTTPStatus: 404})
		}
		return nil, nil, fmt.Errorf("failed to read artifact metadata %s: %w", id, err)
	}

	var meta Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, nil, fmt.Errorf("failed to decode artifact metadata %s: %w", id, err)
	}

	f, err := os.Open(filepath.Join(dir, dataFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, report.New(report.CodeArtifactFileMissing,
				fmt.Sprintf("artifact %s has metadata but no payload file", id),
				report.Opts{Source: "ArtifactStore", Severity: report.SeverityCritical})
		}
		return nil, nil, fmt.Errorf("failed to open artifact %s: %w", id, err)
	}

	return f, &meta, nil
}

// artifactDir computes the sharded directory for an artifact ID.
func (s *Store) artifactDir(id string) string {
	shard1, shard2 := "00", "00"
	if len(id) >= 4 {
		shard1, shard2 = id[0:2], id[2:4]
	}
	return filepath.Join(s.base, shard1, shard2, id)
}
