// Package layout maps owners and jobs to locations on the artifact filesystem.
//
// Every job gets its own directory under its owner's directory:
//
//	<root>/<owner_id>/<job_id>/input.<ext>
//	<root>/<owner_id>/<job_id>/results/gradcam_overlay.png
//	<root>/<owner_id>/<job_id>/results/gradcam_heatmap.png
//
// Paths are derived from identifiers only. The client-supplied filename
// contributes its extension and nothing else.
package layout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	OverlayFile = "gradcam_overlay.png"
	HeatmapFile = "gradcam_heatmap.png"

	inputBase  = "input"
	resultsDir = "results"
	dirPerm    = 0o750
)

// ErrOutsideRoot is returned when a resolved path would escape the storage root.
var ErrOutsideRoot = errors.New("path escapes storage root")

// Layout resolves artifact paths beneath a fixed storage root.
type Layout struct {
	root string
}

// New returns a Layout rooted at root. The root is made absolute but not created;
// directories are created lazily by EnsureJobDirs.
func New(root string) (*Layout, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	return &Layout{root: filepath.Clean(abs)}, nil
}

func (l *Layout) Root() string { return l.root }

func (l *Layout) OwnerDir(ownerID uuid.UUID) string {
	return filepath.Join(l.root, ownerID.String())
}

func (l *Layout) JobDir(ownerID, jobID uuid.UUID) string {
	return filepath.Join(l.OwnerDir(ownerID), jobID.String())
}

// InputPath returns where the submitted artifact is stored. Only the lower-cased
// extension of originalName is kept.
func (l *Layout) InputPath(ownerID, jobID uuid.UUID, originalName string) string {
	return filepath.Join(l.JobDir(ownerID, jobID), inputBase+Ext(originalName))
}

func (l *Layout) OutputDir(ownerID, jobID uuid.UUID) string {
	return filepath.Join(l.JobDir(ownerID, jobID), resultsDir)
}

func (l *Layout) OverlayPath(ownerID, jobID uuid.UUID) string {
	return filepath.Join(l.OutputDir(ownerID, jobID), OverlayFile)
}

func (l *Layout) HeatmapPath(ownerID, jobID uuid.UUID) string {
	return filepath.Join(l.OutputDir(ownerID, jobID), HeatmapFile)
}

// EnsureJobDirs creates the job and output directories if missing.
func (l *Layout) EnsureJobDirs(ownerID, jobID uuid.UUID) error {
	if err := os.MkdirAll(l.OutputDir(ownerID, jobID), dirPerm); err != nil {
		return fmt.Errorf("create job directories: %w", err)
	}
	return nil
}

// RemoveJob deletes the job directory and everything in it.
// A directory that is already gone is not an error.
func (l *Layout) RemoveJob(ownerID, jobID uuid.UUID) error {
	dir := l.JobDir(ownerID, jobID)
	if err := l.contains(dir); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove job directory: %w", err)
	}
	return nil
}

// Contains reports whether path lies inside the storage root.
func (l *Layout) Contains(path string) bool {
	return l.contains(path) == nil
}

func (l *Layout) contains(path string) error {
	rel, err := filepath.Rel(l.root, filepath.Clean(path))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return nil
}

// Ext returns the lower-cased extension of name, including the dot.
func Ext(name string) string {
	return strings.ToLower(filepath.Ext(filepath.Base(name)))
}
