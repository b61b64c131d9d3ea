// Package intake takes external artifacts into the work item store exactly once, expanding zip archives into
// one work item per entry.
package intake

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/aydarnuman/catering-pro-sub000/internal/common/ingesterrors"
	"github.com/aydarnuman/catering-pro-sub000/internal/common/logging"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/database"
)

const cleanupTimeout = 5 * time.Second

type Config struct {
	// Archive entries are extracted below this directory, one sub-directory per archive.
	ExtractDir        string `validate:"required"`
	MaxArchiveEntries int    `validate:"gte=0"`
	// Entries larger than this are refused. Zero means no limit.
	MaxEntryBytes int64
}

type Request struct {
	Origin   string               `json:"origin"`
	Kind     database.PayloadKind `json:"kind"`
	Location string               `json:"location"`
	Queued   bool                 `json:"queued"`
	// Identifies the artifact for deduplication. Defaults to origin and location.
	DedupKey string `json:"dedup_key,omitempty"`
}

func (r Request) key() string {
	if r.DedupKey != "" {
		return r.DedupKey
	}
	return r.Origin + "|" + r.Location
}

type ArchiveResult struct {
	Container *database.WorkItem   `json:"container"`
	Children  []*database.WorkItem `json:"children"`
}

type Service struct {
	config Config
	repo   database.WorkItemRepository
	keys   KeyStore
}

func NewService(config Config, repo database.WorkItemRepository, keys KeyStore) *Service {
	if config.MaxArchiveEntries <= 0 {
		config.MaxArchiveEntries = 1000
	}
	return &Service{config: config, repo: repo, keys: keys}
}

// Enqueue records a new artifact. A second request for the same artifact fails with
// *ingesterrors.ErrAlreadyExists. Inline payloads that turn out to be zip archives are expanded, and
// the returned item is then the container.
func (s *Service) Enqueue(ctx context.Context, req Request) (*database.WorkItem, error) {
	if req.Location == "" {
		return nil, errors.WithStack(&ingesterrors.ErrInvalidArgument{Name: "location", Value: req.Location, Message: "location must be non-empty"})
	}
	if !req.Kind.Valid() {
		return nil, errors.WithStack(&ingesterrors.ErrInvalidArgument{Name: "kind", Value: req.Kind})
	}
	if req.Kind == database.KindInline {
		isZip, err := IsZip(req.Location)
		if err != nil {
			return nil, err
		}
		if isZip {
			req.Kind = database.KindArchive
		}
	}
	if req.Kind == database.KindArchive {
		result, err := s.EnqueueArchive(ctx, req)
		if err != nil {
			return nil, err
		}
		return result.Container, nil
	}

	key := req.key()
	if err := s.claimKey(ctx, key); err != nil {
		return nil, err
	}
	item, err := s.repo.Enqueue(ctx, database.NewWorkItem{
		Origin:   req.Origin,
		Kind:     req.Kind,
		Location: req.Location,
		Queued:   req.Queued,
	})
	if err != nil {
		s.releaseKey(ctx, key)
		return nil, err
	}
	return item, nil
}

// EnqueueArchive records a local zip archive as a skipped container and every file in it as a queued
// child item.
func (s *Service) EnqueueArchive(ctx context.Context, req Request) (ArchiveResult, error) {
	key := req.key()
	if err := s.claimKey(ctx, key); err != nil {
		return ArchiveResult{}, err
	}
	reader, err := zip.OpenReader(req.Location)
	if err != nil {
		s.releaseKey(ctx, key)
		return ArchiveResult{}, errors.WithStack(&ingesterrors.ErrInvalidArgument{
			Name:    "location",
			Value:   req.Location,
			Message: "not a readable zip archive: " + err.Error(),
		})
	}
	defer reader.Close()

	entries := archiveEntries(reader.File)
	if len(entries) > s.config.MaxArchiveEntries {
		s.releaseKey(ctx, key)
		return ArchiveResult{}, errors.WithStack(&ingesterrors.ErrInvalidArgument{
			Name:    "location",
			Value:   req.Location,
			Message: fmt.Sprintf("archive holds %d files, at most %d are accepted", len(entries), s.config.MaxArchiveEntries),
		})
	}

	container, err := s.repo.Enqueue(ctx, database.NewWorkItem{
		Origin:   req.Origin,
		Kind:     database.KindArchive,
		Location: req.Location,
	})
	if err != nil {
		s.releaseKey(ctx, key)
		return ArchiveResult{}, err
	}
	ctx = logging.ContextWithFields(ctx, log.Fields{"archive": container.Id, "origin": req.Origin})
	logger := logging.FromContext(ctx)

	dir := filepath.Join(s.config.ExtractDir, strconv.FormatInt(container.Id, 10))
	result := ArchiveResult{Container: container}
	for _, entry := range entries {
		destination, err := s.extract(entry, dir)
		if err != nil {
			logger.WithError(err).Warnf("skipping archive entry %s", entry.Name)
			continue
		}
		parentId := container.Id
		child, err := s.repo.Enqueue(ctx, database.NewWorkItem{
			Origin:   req.Origin,
			ParentId: &parentId,
			Kind:     database.KindInline,
			Location: destination,
			Queued:   true,
		})
		if err != nil {
			err = errors.WithMessagef(err, "enqueueing entry %s of archive %d", entry.Name, container.Id)
			s.abandonArchive(ctx, container.Id, key, len(result.Children), len(entries), err)
			return result, err
		}
		result.Children = append(result.Children, child)
	}

	reason := fmt.Sprintf("archive expanded into %d items", len(result.Children))
	if err := s.repo.Skip(ctx, container.Id, reason); err != nil {
		return result, err
	}
	if refreshed, err := s.repo.GetById(ctx, container.Id); err == nil {
		result.Container = refreshed
	}
	logger.Info(reason)
	return result, nil
}

// abandonArchive closes out a container whose expansion stopped part way, so it doesn't sit pending, and
// releases its key so the archive can be submitted again. Children enqueued so far stay queued.
func (s *Service) abandonArchive(ctx context.Context, containerId int64, key string, enqueued, total int, cause error) {
	// The request context may be the reason the expansion stopped.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	logger := logging.FromContext(ctx)
	reason := fmt.Sprintf("archive expansion failed after %d of %d items: %v", enqueued, total, cause)
	if err := s.repo.Skip(cleanupCtx, containerId, reason); err != nil {
		logger.WithError(err).Warnf("could not mark archive %d as skipped", containerId)
	}
	s.releaseKey(cleanupCtx, key)
	logger.Warn(reason)
}

func (s *Service) extract(entry *zip.File, dir string) (string, error) {
	if s.config.MaxEntryBytes > 0 && entry.UncompressedSize64 > uint64(s.config.MaxEntryBytes) {
		return "", errors.Errorf("entry is %d bytes, the limit is %d", entry.UncompressedSize64, s.config.MaxEntryBytes)
	}
	name, ok := safeEntryName(entry.Name)
	if !ok {
		return "", errors.Errorf("entry name %q is not usable as a file name", entry.Name)
	}
	destination := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return "", errors.WithStack(err)
	}

	src, err := entry.Open()
	if err != nil {
		return "", errors.WithStack(err)
	}
	defer src.Close()
	dst, err := os.OpenFile(destination, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", errors.WithStack(err)
	}
	var body io.Reader = src
	if s.config.MaxEntryBytes > 0 {
		// Sizes in the central directory are not trusted.
		body = io.LimitReader(src, s.config.MaxEntryBytes+1)
	}
	n, err := io.Copy(dst, body)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err == nil && s.config.MaxEntryBytes > 0 && n > s.config.MaxEntryBytes {
		err = errors.Errorf("entry exceeds the limit of %d bytes", s.config.MaxEntryBytes)
	}
	if err != nil {
		_ = os.Remove(destination)
		return "", errors.WithStack(err)
	}
	return destination, nil
}

func (s *Service) claimKey(ctx context.Context, key string) error {
	added, err := s.keys.AddKey(ctx, key)
	if err != nil {
		return errors.WithMessage(err, "checking artifact key")
	}
	if !added {
		return errors.WithStack(&ingesterrors.ErrAlreadyExists{Type: "artifact", Value: key})
	}
	return nil
}

// releaseKey forgets key so that a failed intake can be retried.
func (s *Service) releaseKey(ctx context.Context, key string) {
	if err := s.keys.Delete(ctx, key); err != nil {
		logging.FromContext(ctx).WithError(err).Warnf("could not release artifact key %s", key)
	}
}

// archiveEntries returns the regular files of an archive, leaving out directories and metadata
// added by archivers.
func archiveEntries(files []*zip.File) []*zip.File {
	var entries []*zip.File
	for _, f := range files {
		if f.FileInfo().IsDir() || strings.HasPrefix(f.Name, "__MACOSX/") || strings.HasPrefix(path.Base(f.Name), ".") {
			continue
		}
		entries = append(entries, f)
	}
	return entries
}

// safeEntryName returns name as a relative path that stays within the extraction directory.
func safeEntryName(name string) (string, bool) {
	cleaned := path.Clean("/" + strings.ReplaceAll(name, `\`, "/"))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", false
	}
	return filepath.FromSlash(cleaned), true
}

var zipSignatures = [][]byte{
	[]byte("PK\x03\x04"),
	// Empty archive.
	[]byte("PK\x05\x06"),
}

// IsZip reports whether the file at path starts with a zip signature.
func IsZip(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, errors.WithStack(&ingesterrors.ErrInvalidArgument{Name: "location", Value: path, Message: "payload is not readable"})
	}
	defer f.Close()
	header := make([]byte, 4)
	if _, err := io.ReadFull(f, header); err != nil {
		return false, nil
	}
	for _, signature := range zipSignatures {
		if bytes.Equal(header, signature) {
			return true, nil
		}
	}
	return false, nil
}
