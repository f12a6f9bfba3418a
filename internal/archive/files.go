// Package archive implements the archiving jobs that feed resource
// collections: local file archiving and Docker image metadata harvesting.
package archive

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"

	"github.com/blobvault/blobvault/internal/lock"
	"github.com/blobvault/blobvault/internal/repo"
)

// Change detection modes for the file job.
const (
	CheckMD5   = "md5"
	CheckMTime = "mtime"
	CheckSize  = "size"
)

// Extra fields the file job stamps on each record.
const (
	fieldMD5        = "file_md5"
	fieldModifyDate = "file_modify_date"
	fieldSize       = "file_size"
)

// FileJobConfig configures one file archiving run.
type FileJobConfig struct {
	SourceDir string
	Pattern   string // Glob over file names, e.g. "*.log"
	Group     string // Resource group; empty for simple collections

	// Check picks the change detection: CheckMD5 re-reads the file,
	// CheckMTime and CheckSize only stat it.
	Check string

	// Compress gzips content before upload; blob names get a .gz suffix
	// while the resource id stays the plain file name.
	Compress bool

	// DeleteVanished logically deletes records whose source file no
	// longer exists.
	DeleteVanished bool

	// MaxFileSize skips larger files; 0 means no limit.
	MaxFileSize int64
}

// FileJobStats summarizes one run.
type FileJobStats struct {
	Pushed  int
	Skipped int
	Deleted int
}

// FileJob pushes changed local files into a resource collection. Each file
// becomes one resource identified by its name; unchanged files are skipped
// using the check fields stamped on the previous push.
type FileJob struct {
	repo *repo.Repository
	cfg  FileJobConfig
	now  func() time.Time
}

// NewFileJob returns a job pushing into r.
func NewFileJob(r *repo.Repository, cfg FileJobConfig) *FileJob {
	if cfg.Pattern == "" {
		cfg.Pattern = "*"
	}
	if cfg.Check == "" {
		cfg.Check = CheckMD5
	}
	return &FileJob{repo: r, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// Run archives every matching file in the source directory, renewing the
// session between files. The session may be nil for tests or dry runs of a
// collection nothing else writes.
func (j *FileJob) Run(ctx context.Context, session lock.Session) (*FileJobStats, error) {
	entries, err := os.ReadDir(j.cfg.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("reading source dir: %w", err)
	}

	stats := &FileJobStats{}
	seen := make(map[string]struct{})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ok, err := filepath.Match(j.cfg.Pattern, name)
		if err != nil {
			return stats, fmt.Errorf("bad pattern %q: %w", j.cfg.Pattern, err)
		}
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return stats, err
		}
		if j.cfg.MaxFileSize > 0 && info.Size() > j.cfg.MaxFileSize {
			log.Warn().Str("file", name).Int64("size", info.Size()).Msg("file exceeds size limit, skipped")
			continue
		}
		seen[name] = struct{}{}

		pushed, err := j.archiveFile(ctx, name, info)
		if err != nil {
			return stats, err
		}
		if pushed {
			stats.Pushed++
		} else {
			stats.Skipped++
		}
		if session != nil {
			if err := session.RenewIfNeeded(ctx); err != nil {
				return stats, err
			}
		}
	}

	if j.cfg.DeleteVanished {
		deleted, err := j.deleteVanished(ctx, seen)
		if err != nil {
			return stats, err
		}
		stats.Deleted = deleted
	}

	log.Info().
		Str("dir", j.cfg.SourceDir).
		Int("pushed", stats.Pushed).
		Int("skipped", stats.Skipped).
		Int("deleted", stats.Deleted).
		Msg("file archive run complete")
	return stats, nil
}

func (j *FileJob) key(name string) repo.Key {
	return repo.Key{Group: j.cfg.Group, ID: name}
}

// archiveFile pushes one file when its check field differs from the last
// pushed version.
func (j *FileJob) archiveFile(ctx context.Context, name string, info os.FileInfo) (bool, error) {
	path := filepath.Join(j.cfg.SourceDir, name)

	var sum string
	if j.cfg.Check == CheckMD5 {
		var err error
		sum, err = fileMD5(path)
		if err != nil {
			return false, err
		}
	}

	prev, err := j.repo.Get(ctx, j.key(name), repo.VersionCurrent)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return false, err
	}
	if prev != nil && !prev.Deleted && !j.changed(prev, info, sum) {
		log.Debug().Str("file", name).Msg("file unchanged, skipped")
		return false, nil
	}

	rec := &repo.Record{ResourceID: name, ResourceGroup: j.cfg.Group}
	rec.SetExtra(fieldModifyDate, info.ModTime().UTC().Format(time.RFC3339))
	rec.SetExtra(fieldSize, info.Size())
	if sum != "" {
		rec.SetExtra(fieldMD5, sum)
	}

	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var content io.Reader = f
	if j.cfg.Compress {
		rec.ResourceFile = repo.StampedFile(name, j.now()) + ".gz"
		compressed, err := gzipAll(f)
		if err != nil {
			return false, fmt.Errorf("compressing %s: %w", path, err)
		}
		content = compressed
	}

	if _, err := j.repo.Push(ctx, rec, content, repo.PushOptions{
		PostPush: func(r *repo.Record) error {
			r.SetExtra("archived_at", j.now().Format(time.RFC3339))
			return nil
		},
	}); err != nil {
		return false, err
	}
	return true, nil
}

// changed compares the previous record's check field against the file.
func (j *FileJob) changed(prev *repo.Record, info os.FileInfo, sum string) bool {
	switch j.cfg.Check {
	case CheckMTime:
		return prev.ExtraString(fieldModifyDate) != info.ModTime().UTC().Format(time.RFC3339)
	case CheckSize:
		size, ok := prev.Extra[fieldSize].(float64)
		return !ok || int64(size) != info.Size()
	default:
		return prev.ExtraString(fieldMD5) != sum
	}
}

// deleteVanished logically deletes records whose source file is gone so the
// expiry sweep purges them after the retention window.
func (j *FileJob) deleteVanished(ctx context.Context, seen map[string]struct{}) (int, error) {
	recs, err := j.repo.Metadatas(ctx, repo.Key{Group: j.cfg.Group})
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, rec := range recs {
		if rec.Deleted {
			continue
		}
		if _, ok := seen[rec.ResourceID]; ok {
			continue
		}
		if _, err := j.repo.Delete(ctx, rec.Key(), false); err != nil {
			return deleted, err
		}
		log.Info().Str("file", rec.ResourceID).Msg("source file vanished, record logically deleted")
		deleted++
	}
	return deleted, nil
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	hash := md5.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func gzipAll(r io.Reader) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := io.Copy(zw, r); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
