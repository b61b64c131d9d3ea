package intake

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aydarnuman/catering-pro-sub000/internal/common/ingesterrors"
	"github.com/aydarnuman/catering-pro-sub000/internal/ingestor/database"
)

func newTestService(t *testing.T, config Config) (*Service, *database.MemWorkItemRepository) {
	repo, err := database.NewMemWorkItemRepository(nil)
	require.NoError(t, err)
	if config.ExtractDir == "" {
		config.ExtractDir = t.TempDir()
	}
	return NewService(config, repo, NewMemKeyStore(time.Hour)), repo
}

func writeZip(t *testing.T, files map[string]string) string {
	path := filepath.Join(t.TempDir(), "bundle.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := zip.NewWriter(f)
	for name, content := range files {
		entry, err := w.Create(name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
	return path
}

func writeFile(t *testing.T, name string, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestEnqueue_RejectsDuplicates(t *testing.T) {
	service, _ := newTestService(t, Config{})
	req := Request{Origin: "tender-1", Kind: database.KindRemote, Location: "https://example.com/tender-terms.pdf", Queued: true}

	item, err := service.Enqueue(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, database.StatusQueued, item.Status)

	var alreadyExists *ingesterrors.ErrAlreadyExists
	_, err = service.Enqueue(context.Background(), req)
	assert.ErrorAs(t, err, &alreadyExists)

	// Same location for another origin is another artifact.
	req.Origin = "tender-2"
	_, err = service.Enqueue(context.Background(), req)
	assert.NoError(t, err)

	// An explicit key overrides origin and location.
	_, err = service.Enqueue(context.Background(), Request{Origin: "tender-3", Kind: database.KindRemote, Location: "https://a", DedupKey: "doc-7"})
	require.NoError(t, err)
	_, err = service.Enqueue(context.Background(), Request{Origin: "tender-4", Kind: database.KindRemote, Location: "https://b", DedupKey: "doc-7"})
	assert.ErrorAs(t, err, &alreadyExists)
}

func TestEnqueue_InvalidRequests(t *testing.T) {
	service, _ := newTestService(t, Config{})
	var invalid *ingesterrors.ErrInvalidArgument

	_, err := service.Enqueue(context.Background(), Request{Kind: database.KindRemote})
	assert.ErrorAs(t, err, &invalid)
	_, err = service.Enqueue(context.Background(), Request{Kind: "fax", Location: "x"})
	assert.ErrorAs(t, err, &invalid)
	_, err = service.Enqueue(context.Background(), Request{Kind: database.KindInline, Location: "/does/not/exist.pdf"})
	assert.ErrorAs(t, err, &invalid)
}

func TestEnqueue_KeyReleasedWhenIntakeFails(t *testing.T) {
	service, _ := newTestService(t, Config{})
	notZip := writeFile(t, "fake.zip", "definitely not a zip")
	req := Request{Origin: "tender-1", Kind: database.KindArchive, Location: notZip}

	var invalid *ingesterrors.ErrInvalidArgument
	_, err := service.Enqueue(context.Background(), req)
	require.ErrorAs(t, err, &invalid)

	// The failed attempt didn't consume the key.
	added, err := service.keys.AddKey(context.Background(), req.key())
	require.NoError(t, err)
	assert.True(t, added)
}

// failingRepository fails every Enqueue after the first succeed calls.
type failingRepository struct {
	*database.MemWorkItemRepository
	succeed int
	calls   int
}

func (r *failingRepository) Enqueue(ctx context.Context, item database.NewWorkItem) (*database.WorkItem, error) {
	r.calls++
	if r.calls > r.succeed {
		return nil, errors.New("connection reset by peer")
	}
	return r.MemWorkItemRepository.Enqueue(ctx, item)
}

func TestEnqueueArchive_PartialExpansionClosesContainer(t *testing.T) {
	mem, err := database.NewMemWorkItemRepository(nil)
	require.NoError(t, err)
	// The container and the first child go through.
	repo := &failingRepository{MemWorkItemRepository: mem, succeed: 2}
	service := NewService(Config{ExtractDir: t.TempDir()}, repo, NewMemKeyStore(time.Hour))
	archive := writeZip(t, map[string]string{"a.pdf": "a", "b.pdf": "b", "c.pdf": "c"})
	req := Request{Origin: "tender-1", Kind: database.KindArchive, Location: archive}

	result, err := service.EnqueueArchive(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset by peer")
	require.Len(t, result.Children, 1)

	container, err := mem.GetById(context.Background(), result.Container.Id)
	require.NoError(t, err)
	assert.Equal(t, database.StatusSkipped, container.Status)
	assert.Contains(t, container.ErrorMessage, "failed after 1 of 3 items")

	child, err := mem.GetById(context.Background(), result.Children[0].Id)
	require.NoError(t, err)
	assert.Equal(t, database.StatusQueued, child.Status)

	// The archive can be submitted again.
	repo.succeed = repo.calls + 4
	retried, err := service.EnqueueArchive(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, retried.Children, 3)
	assert.Equal(t, database.StatusSkipped, retried.Container.Status)
}

func TestEnqueue_InlineZipIsExpanded(t *testing.T) {
	service, repo := newTestService(t, Config{})
	archive := writeZip(t, map[string]string{
		"specs/technical.pdf":  "technical",
		"specs/admin.pdf":      "admin",
		"__MACOSX/._admin.pdf": "resource fork",
		".DS_Store":            "junk",
	})

	container, err := service.Enqueue(context.Background(), Request{Origin: "tender-1", Kind: database.KindInline, Location: archive, Queued: true})
	require.NoError(t, err)
	assert.Equal(t, database.KindArchive, container.Kind)
	assert.Equal(t, database.StatusSkipped, container.Status)
	assert.Equal(t, "archive expanded into 2 items", container.ErrorMessage)

	counts, err := repo.StatusCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.ByStatus[database.StatusQueued])

	// Children are claimable, the container never is.
	claimed, err := repo.ClaimBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, child := range claimed {
		assert.Equal(t, database.KindInline, child.Kind)
		require.NotNil(t, child.ParentId)
		assert.Equal(t, container.Id, *child.ParentId)
		content, err := os.ReadFile(child.Location)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(filepath.Base(child.Location), string(content)))
	}
}

func TestEnqueueArchive_Limits(t *testing.T) {
	service, _ := newTestService(t, Config{MaxArchiveEntries: 1})
	archive := writeZip(t, map[string]string{"a.pdf": "a", "b.pdf": "b"})
	var invalid *ingesterrors.ErrInvalidArgument
	_, err := service.EnqueueArchive(context.Background(), Request{Origin: "tender-1", Location: archive})
	assert.ErrorAs(t, err, &invalid)

	service, _ = newTestService(t, Config{MaxEntryBytes: 4})
	archive = writeZip(t, map[string]string{"small.pdf": "1234", "large.pdf": "12345"})
	result, err := service.EnqueueArchive(context.Background(), Request{Origin: "tender-1", Location: archive})
	require.NoError(t, err)
	require.Len(t, result.Children, 1)
	assert.Equal(t, "small.pdf", filepath.Base(result.Children[0].Location))
}

func TestEnqueueArchive_EntriesStayInExtractDir(t *testing.T) {
	extractDir := t.TempDir()
	service, _ := newTestService(t, Config{ExtractDir: extractDir})
	archive := writeZip(t, map[string]string{"../../escape.pdf": "x", `dir\nested.pdf`: "y"})

	result, err := service.EnqueueArchive(context.Background(), Request{Origin: "tender-1", Location: archive})
	require.NoError(t, err)
	require.Len(t, result.Children, 2)
	for _, child := range result.Children {
		rel, err := filepath.Rel(extractDir, child.Location)
		require.NoError(t, err)
		assert.False(t, strings.HasPrefix(rel, ".."), child.Location)
	}
}

func TestIsZip(t *testing.T) {
	isZip, err := IsZip(writeZip(t, map[string]string{"a.txt": "a"}))
	require.NoError(t, err)
	assert.True(t, isZip)

	isZip, err = IsZip(writeFile(t, "doc.pdf", "%PDF-1.7"))
	require.NoError(t, err)
	assert.False(t, isZip)

	isZip, err = IsZip(writeFile(t, "tiny", "PK"))
	require.NoError(t, err)
	assert.False(t, isZip)
}

func TestMemKeyStore(t *testing.T) {
	store := NewMemKeyStore(0)
	added, err := store.AddKey(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = store.AddKey(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, added)
	require.NoError(t, store.Delete(context.Background(), "k"))
	added, err = store.AddKey(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, added)
}
