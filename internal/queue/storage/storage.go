// Package storage implements the content-addressed, job-scoped filesystem
// artifact store: a single root directory with one subdirectory per job
// UUID, traversal-safe path resolution, and the worker-reserved state/
// step/self-heal path helpers the persisted-state layout names.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ArtifactStorage stores and resolves artifacts under a job-scoped root.
type ArtifactStorage struct {
	root string
}

// New returns an ArtifactStorage rooted at root. root need not exist yet;
// it is created lazily by WriteArtifact.
func New(root string) *ArtifactStorage {
	return &ArtifactStorage{root: filepath.Clean(root)}
}

func rejectTraversal(label, rel string) error {
	if rel == "" {
		return fmt.Errorf("%s must not be empty", label)
	}
	if filepath.IsAbs(rel) {
		return fmt.Errorf("%s must be a relative path without traversal components", label)
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == ".." {
			return fmt.Errorf("%s must be a relative path without traversal components", label)
		}
	}
	return nil
}

func resolveUnder(root, rel string) (string, error) {
	abs, err := filepath.Abs(filepath.Join(root, rel))
	if err != nil {
		return "", err
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if abs != rootAbs && !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return "", errors.New("path resolves outside root")
	}
	return abs, nil
}

// JobPath returns the safe absolute directory for a job's artifacts.
func (s *ArtifactStorage) JobPath(jobID uuid.UUID) (string, error) {
	rel := jobID.String()
	if err := rejectTraversal("job_id", rel); err != nil {
		return "", err
	}
	return resolveUnder(s.root, rel)
}

// ResolveArtifactPath resolves artifactName's destination under the job
// directory, rejecting traversal in either the job id or the name.
func (s *ArtifactStorage) ResolveArtifactPath(jobID uuid.UUID, artifactName string) (string, error) {
	if err := rejectTraversal("artifact name", artifactName); err != nil {
		return "", err
	}
	jobPath, err := s.JobPath(jobID)
	if err != nil {
		return "", err
	}
	dest, err := resolveUnder(jobPath, artifactName)
	if err != nil {
		return "", errors.New("artifact path resolves outside job directory")
	}
	return dest, nil
}

// WriteArtifact writes data to the resolved destination and returns the
// absolute path plus the POSIX-style path relative to root for storage.
func (s *ArtifactStorage) WriteArtifact(jobID uuid.UUID, artifactName string, data []byte) (absPath, storagePath string, err error) {
	dest, err := s.ResolveArtifactPath(jobID, artifactName)
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", "", fmt.Errorf("storage: create artifact directory: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", "", fmt.Errorf("storage: write artifact: %w", err)
	}
	rootAbs, err := filepath.Abs(s.root)
	if err != nil {
		return "", "", err
	}
	rel, err := filepath.Rel(rootAbs, dest)
	if err != nil {
		return "", "", err
	}
	return dest, filepath.ToSlash(rel), nil
}

// ResolveStoragePath resolves a previously persisted storage_path value
// back to a safe absolute path for reading.
func (s *ArtifactStorage) ResolveStoragePath(storagePath string) (string, error) {
	if err := rejectTraversal("storage_path", storagePath); err != nil {
		return "", err
	}
	dest, err := resolveUnder(s.root, storagePath)
	if err != nil {
		return "", errors.New("storage_path resolves outside artifact root")
	}
	return dest, nil
}

// GetStateDir returns the root directory for job-scoped worker state.
func (s *ArtifactStorage) GetStateDir(jobID uuid.UUID) (string, error) {
	jobPath, err := s.JobPath(jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(jobPath, "state"), nil
}

// GetStepStateDir returns the directory holding per-step state JSON files.
func (s *ArtifactStorage) GetStepStateDir(jobID uuid.UUID) (string, error) {
	dir, err := s.GetStateDir(jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "steps"), nil
}

// GetSelfHealStateDir returns the directory holding per-attempt self-heal
// state JSON files.
func (s *ArtifactStorage) GetSelfHealStateDir(jobID uuid.UUID) (string, error) {
	dir, err := s.GetStateDir(jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "self_heal"), nil
}

// GetStepStatePath resolves the JSON file path for one step checkpoint:
// state/steps/step-####.json.
func (s *ArtifactStorage) GetStepStatePath(jobID uuid.UUID, step int) (string, error) {
	jobPath, err := s.JobPath(jobID)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(jobPath, "state", "steps", fmt.Sprintf("step-%04d.json", step))
	if !strings.HasPrefix(dest, jobPath+string(filepath.Separator)) {
		return "", errors.New("step state path resolves outside job directory")
	}
	return dest, nil
}

// GetSelfHealAttemptPath resolves the JSON file path for one self-heal
// attempt: state/self_heal/attempt-####-####.json.
func (s *ArtifactStorage) GetSelfHealAttemptPath(jobID uuid.UUID, step, attempt int) (string, error) {
	jobPath, err := s.JobPath(jobID)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(jobPath, "state", "self_heal", fmt.Sprintf("attempt-%04d-%04d.json", step, attempt))
	if !strings.HasPrefix(dest, jobPath+string(filepath.Separator)) {
		return "", errors.New("self-heal state path resolves outside job directory")
	}
	return dest, nil
}
