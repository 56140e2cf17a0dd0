package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"
)

// ArtifactStore keeps finished meshes under one directory.
type ArtifactStore struct {
	dir string
}

// NewArtifactStore creates dir if needed.
func NewArtifactStore(dir string) (*ArtifactStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &ArtifactStore{dir: dir}, nil
}

// Dir returns the artifact directory.
func (a *ArtifactStore) Dir() string { return a.dir }

// ArtifactName is the order file name: DUET_{l1}{l2}_{size}mm_{itemID}.stl.
// Anything that could escape the directory is replaced with '_'.
func ArtifactName(primary, secondary string, sizeMM float64, itemID string) string {
	size := strconv.FormatFloat(sizeMM, 'f', -1, 64)
	return fmt.Sprintf("DUET_%s%s_%smm_%s.stl",
		safeComponent(primary), safeComponent(secondary), size, safeComponent(itemID))
}

func safeComponent(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, s)
}

// Path returns where name is stored.
func (a *ArtifactStore) Path(name string) string {
	return filepath.Join(a.dir, filepath.Base(name))
}

// Store moves src into the store as name, replacing any previous artifact
// of the same name. It falls back to copying when src is on another
// filesystem. The returned size is the stored file's size.
func (a *ArtifactStore) Store(src, name string) (string, int64, error) {
	dst := a.Path(name)
	if err := os.Rename(src, dst); err != nil {
		if err := copyFile(src, dst); err != nil {
			return "", 0, err
		}
		os.Remove(src)
	}
	info, err := os.Stat(dst)
	if err != nil {
		return "", 0, fmt.Errorf("failed to stat artifact: %w", err)
	}
	return dst, info.Size(), nil
}

// Remove deletes a stored artifact. Missing files are not an error.
func (a *ArtifactStore) Remove(name string) error {
	if err := os.Remove(a.Path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove artifact: %w", err)
	}
	return nil
}

// copyFile writes to a temp file in the destination directory and renames
// it, so readers never see a half-written artifact.
func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open mesh: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".artifact-*")
	if err != nil {
		return fmt.Errorf("failed to create artifact: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to copy mesh: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close artifact: %w", err)
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to chmod artifact: %w", err)
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("failed to move artifact: %w", err)
	}
	return nil
}
