// Package testdata keeps a local mirror of each problem's test files.
package testdata

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/openhj/judger/internal/platform"
)

// FileSource is the slice of the platform API the store needs.
type FileSource interface {
	GetFileList(ctx context.Context, problemID int64) ([]platform.SyncFile, error)
	DownloadFile(ctx context.Context, problemID int64, filename string) ([]byte, error)
}

// Store syncs problem test files into dataDir/<problem_id>/. Each file has a
// sibling <name>.lock recording the unix time it was fetched; the mirror is
// refreshed when the server reports a newer last_modified_time. Syncs of the
// same problem are serialized, different problems proceed in parallel.
type Store struct {
	source  FileSource
	dataDir string
	log     *slog.Logger
	locks   *xsync.MapOf[int64, *sync.Mutex]
}

func NewStore(source FileSource, dataDir string, log *slog.Logger) *Store {
	return &Store{
		source:  source,
		dataDir: dataDir,
		log:     log,
		locks:   xsync.NewMapOf[int64, *sync.Mutex](),
	}
}

// Dir returns the local directory holding problemID's files.
func (s *Store) Dir(problemID int64) string {
	return filepath.Join(s.dataDir, strconv.FormatInt(problemID, 10))
}

// ReadFile reads one synced test file.
func (s *Store) ReadFile(problemID int64, name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.Dir(problemID), name))
}

// Sync brings the local mirror of problemID up to date. progress, if not
// nil, receives human-readable status lines.
func (s *Store) Sync(ctx context.Context, problemID int64, progress func(string)) error {
	files, err := s.source.GetFileList(ctx, problemID)
	if err != nil {
		return fmt.Errorf("fetch file list for problem %d: %w", problemID, err)
	}

	mu, _ := s.locks.LoadOrStore(problemID, &sync.Mutex{})
	mu.Lock()
	defer mu.Unlock()

	s.log.Info("syncing problem files", "problem_id", problemID, "files", len(files))
	report(progress, "Syncing files..")

	dir := s.Dir(problemID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	if err := s.removeStale(dir, files); err != nil {
		return err
	}
	for _, f := range files {
		if !s.needsDownload(dir, f) {
			continue
		}
		report(progress, "Syncing file: "+f.Name)
		if err := s.download(ctx, problemID, dir, f); err != nil {
			return err
		}
	}
	return nil
}

// removeStale deletes local files the server no longer serves. Lock files
// and directories are left alone except when their data file goes.
func (s *Store) removeStale(dir string, files []platform.SyncFile) error {
	want := mapset.NewThreadUnsafeSet[string]()
	for _, f := range files {
		want.Add(f.Name)
		want.Add(storedName(f.Name))
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read data dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, ".lock") {
			continue
		}
		if want.Contains(name) {
			continue
		}
		s.log.Info("removing file dropped by server", "name", name)
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			s.log.Error("failed to remove stale file", "name", name, "err", err)
		}
		os.Remove(filepath.Join(dir, name+".lock"))
		os.Remove(filepath.Join(dir, name+".zst.lock"))
	}
	return nil
}

func (s *Store) needsDownload(dir string, f platform.SyncFile) bool {
	raw, err := os.ReadFile(filepath.Join(dir, f.Name+".lock"))
	if err != nil {
		return true
	}
	fetchedAt, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return true
	}
	return fetchedAt < f.LastModifiedTime
}

func (s *Store) download(ctx context.Context, problemID int64, dir string, f platform.SyncFile) error {
	s.log.Info("downloading", "name", f.Name, "size", f.Size)
	data, err := s.source.DownloadFile(ctx, problemID, f.Name)
	if err != nil {
		return fmt.Errorf("download %s: %w", f.Name, err)
	}
	if strings.HasSuffix(f.Name, ".zst") {
		if data, err = decompress(data); err != nil {
			return fmt.Errorf("decompress %s: %w", f.Name, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, storedName(f.Name)), data, 0644); err != nil {
		return fmt.Errorf("save %s: %w", f.Name, err)
	}
	stamp := strconv.FormatInt(time.Now().Unix(), 10)
	if err := os.WriteFile(filepath.Join(dir, f.Name+".lock"), []byte(stamp), 0644); err != nil {
		return fmt.Errorf("write lock file for %s: %w", f.Name, err)
	}
	return nil
}

// storedName is the on-disk name of a server file; compressed files are
// stored decompressed.
func storedName(name string) string {
	return strings.TrimSuffix(name, ".zst")
}

func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

func report(progress func(string), msg string) {
	if progress != nil {
		progress(msg)
	}
}
