// Package artifact owns per-run files: logs, screenshots, videos, and
// reports. Runs hold only keys; content lives here. Keys embed the
// run id as a namespace so deleting a run's artifacts is a single
// directory-scope operation.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"qanerd/internal/config"
	"qanerd/internal/logging"
)

var (
	// ErrTooLarge is returned when a payload exceeds the size cap.
	ErrTooLarge = errors.New("artifact too large")
	// ErrInvalidKind is returned for kinds outside the closed set or
	// extensions outside the allow-list.
	ErrInvalidKind = errors.New("invalid artifact kind")
	// ErrNotFound is returned when a key resolves to nothing.
	ErrNotFound = errors.New("artifact not found")
)

// Kind is the closed set of artifact kinds.
type Kind string

const (
	KindLog        Kind = "LOG"
	KindScreenshot Kind = "SCREENSHOT"
	KindVideo      Kind = "VIDEO"
	KindReport     Kind = "REPORT"
)

// kindDirs maps kinds to their directory under the store root.
var kindDirs = map[Kind]string{
	KindLog:        "logs",
	KindScreenshot: "screenshots",
	KindVideo:      "videos",
	KindReport:     "reports",
}

// Info describes one stored artifact.
type Info struct {
	Key       string    `json:"key"`
	Kind      Kind      `json:"kind"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats summarizes the whole store.
type Stats struct {
	Total     int               `json:"total"`
	TotalSize int64             `json:"total_size"`
	ByKind    map[Kind]KindStat `json:"by_kind"`
	Oldest    time.Time         `json:"oldest,omitempty"`
	Newest    time.Time         `json:"newest,omitempty"`
}

// KindStat is the per-kind slice of Stats.
type KindStat struct {
	Count int   `json:"count"`
	Size  int64 `json:"size"`
}

// Store is a filesystem-backed artifact store.
type Store struct {
	cfg config.ArtifactConfig
	// now is swappable for tests.
	now func() time.Time
}

// NewStore creates the store and its root directory.
func NewStore(cfg config.ArtifactConfig) (*Store, error) {
	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &Store{cfg: cfg, now: time.Now}, nil
}

// Put stores bytes under a run namespace and returns the stable key.
// Writes go to a temp path first and are renamed into place so
// readers never observe partial files.
func (s *Store) Put(runID string, kind Kind, data []byte, logicalName string) (string, error) {
	log := logging.Get(logging.CategoryArtifact)

	dir, ok := kindDirs[kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if runID == "" {
		return "", fmt.Errorf("run id required")
	}
	if int64(len(data)) > s.cfg.MaxFileBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds cap of %d", ErrTooLarge, len(data), s.cfg.MaxFileBytes)
	}
	if strings.Contains(logicalName, "..") {
		return "", fmt.Errorf("invalid logical name %q: path traversal rejected", logicalName)
	}
	if err := s.checkExtension(kind, logicalName); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s_%s", s.now().UTC().Format("20060102T150405.000Z"), sanitize(logicalName))
	key := filepath.ToSlash(filepath.Join(dir, runID, name))
	finalPath := filepath.Join(s.cfg.Root, dir, runID, name)

	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(finalPath), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to finalize artifact: %w", err)
	}

	log.Debug("stored %s artifact for run %s: %s (%d bytes)", kind, runID, key, len(data))
	return key, nil
}

// PutLog stores text as a LOG artifact.
func (s *Store) PutLog(runID, name, text string) (string, error) {
	if !strings.HasSuffix(name, ".log") && !strings.HasSuffix(name, ".txt") {
		name += ".log"
	}
	return s.Put(runID, KindLog, []byte(text), name)
}

// Get reads an artifact by key.
func (s *Store) Get(key string) ([]byte, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

// List returns all artifacts stored for a run, across kinds.
func (s *Store) List(runID string) ([]Info, error) {
	var out []Info
	for kind, dir := range kindDirs {
		runDir := filepath.Join(s.cfg.Root, dir, runID)
		entries, err := os.ReadDir(runDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to list artifacts: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			fi, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, Info{
				Key:       filepath.ToSlash(filepath.Join(dir, runID, e.Name())),
				Kind:      kind,
				Size:      fi.Size(),
				CreatedAt: fi.ModTime().UTC(),
			})
		}
	}
	return out, nil
}

// Delete removes all artifacts for a run and returns the count.
// Deleting a run with no artifacts succeeds and returns zero.
func (s *Store) Delete(runID string) (int, error) {
	if runID == "" || strings.Contains(runID, "..") {
		return 0, fmt.Errorf("invalid run id %q", runID)
	}
	deleted := 0
	for _, dir := range kindDirs {
		runDir := filepath.Join(s.cfg.Root, dir, runID)
		entries, err := os.ReadDir(runDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return deleted, fmt.Errorf("failed to scan artifacts: %w", err)
		}
		deleted += len(entries)
		if err := os.RemoveAll(runDir); err != nil {
			return deleted, fmt.Errorf("failed to delete artifacts: %w", err)
		}
	}
	logging.Artifact("deleted %d artifacts for run %s", deleted, runID)
	return deleted, nil
}

// DeleteKey removes a single artifact.
func (s *Store) DeleteKey(key string) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

// Stats walks the catalog in one streaming pass; memory stays bounded
// regardless of file count.
func (s *Store) Stats() (Stats, error) {
	timer := logging.StartTimer(logging.CategoryArtifact, "Stats")
	defer timer.StopWithThreshold(2 * time.Second)

	st := Stats{ByKind: make(map[Kind]KindStat)}
	for kind, dir := range kindDirs {
		kindRoot := filepath.Join(s.cfg.Root, dir)
		err := filepath.WalkDir(kindRoot, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return filepath.SkipAll
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				return nil
			}
			ks := st.ByKind[kind]
			ks.Count++
			ks.Size += fi.Size()
			st.ByKind[kind] = ks
			st.Total++
			st.TotalSize += fi.Size()
			mod := fi.ModTime().UTC()
			if st.Oldest.IsZero() || mod.Before(st.Oldest) {
				st.Oldest = mod
			}
			if mod.After(st.Newest) {
				st.Newest = mod
			}
			return nil
		})
		if err != nil {
			return Stats{}, fmt.Errorf("failed to scan %s: %w", dir, err)
		}
	}
	return st, nil
}

// Sweep deletes artifacts older than the retention bound and returns
// the number removed. Empty run directories are pruned afterwards.
func (s *Store) Sweep(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = s.cfg.RetentionDays
	}
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)

	removed := 0
	for _, dir := range kindDirs {
		kindRoot := filepath.Join(s.cfg.Root, dir)
		err := filepath.WalkDir(kindRoot, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return filepath.SkipAll
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				return nil
			}
			if fi.ModTime().UTC().Before(cutoff) {
				if err := os.Remove(path); err == nil {
					removed++
				}
			}
			return nil
		})
		if err != nil {
			return removed, fmt.Errorf("sweep failed in %s: %w", dir, err)
		}
		pruneEmptyDirs(kindRoot)
	}

	logging.Artifact("retention sweep removed %d artifacts older than %d days", removed, retentionDays)
	return removed, nil
}

// resolve maps a key back to a filesystem path, rejecting traversal.
func (s *Store) resolve(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return filepath.Join(s.cfg.Root, filepath.FromSlash(key)), nil
}

// checkExtension enforces the per-kind extension allow-list.
func (s *Store) checkExtension(kind Kind, name string) error {
	allowed, ok := s.cfg.AllowedExt[string(kind)]
	if !ok || len(allowed) == 0 {
		return nil // no allow-list configured for this kind
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, a := range allowed {
		if ext == a {
			return nil
		}
	}
	return fmt.Errorf("%w: extension %q not allowed for kind %s", ErrInvalidKind, ext, kind)
}

// sanitize keeps logical names filesystem-safe.
func sanitize(name string) string {
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "artifact"
	}
	return b.String()
}

func pruneEmptyDirs(root string) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if children, err := os.ReadDir(dir); err == nil && len(children) == 0 {
			_ = os.Remove(dir)
		}
	}
}
