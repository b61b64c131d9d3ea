package database

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/aydarnuman/catering-pro-sub000/internal/common/ingesterrors"
)

const (
	workItemsTable = "work_items"
	idIndex        = "id"     // index for looking up items by id
	statusIndex    = "status" // index for iterating over the items in a given status
)

// MemWorkItemRepository is an implementation of WorkItemRepository on top of https://github.com/hashicorp/go-memdb.
// Write transactions are serialised by memdb, which gives ClaimBatch the same no-double-claim guarantee as
// the postgres implementation within a single process.
// Stored *WorkItem values are immutable; every mutation inserts a modified copy.
type MemWorkItemRepository struct {
	db *memdb.MemDB
	// Called after an item becomes queued, outside any transaction.
	onQueued func()
	now      func() time.Time

	mu     sync.Mutex
	nextId int64
}

func NewMemWorkItemRepository(onQueued func()) (*MemWorkItemRepository, error) {
	db, err := memdb.NewMemDB(&memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			workItemsTable: {
				Name: workItemsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "Id"},
					},
					statusIndex: {
						Name:    statusIndex,
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "Status"},
					},
				},
			},
		},
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if onQueued == nil {
		onQueued = func() {}
	}
	return &MemWorkItemRepository{db: db, onQueued: onQueued, now: time.Now}, nil
}

func (r *MemWorkItemRepository) Enqueue(_ context.Context, item NewWorkItem) (*WorkItem, error) {
	if !item.Kind.Valid() {
		return nil, errors.WithStack(&ingesterrors.ErrInvalidArgument{Name: "kind", Value: item.Kind})
	}
	if item.Location == "" {
		return nil, errors.WithStack(&ingesterrors.ErrInvalidArgument{Name: "location", Value: item.Location, Message: "location must be non-empty"})
	}
	r.mu.Lock()
	r.nextId++
	id := r.nextId
	r.mu.Unlock()

	now := r.now()
	created := &WorkItem{
		Id:        id,
		Origin:    item.Origin,
		ParentId:  item.ParentId,
		Kind:      item.Kind,
		Location:  item.Location,
		Status:    StatusPending,
		Version:   1,
		History:   []PreviousResult{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if item.Queued {
		created.Status = StatusQueued
	}

	txn := r.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(workItemsTable, created); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()

	if created.Status == StatusQueued {
		r.onQueued()
	}
	return created.DeepCopy(), nil
}

func (r *MemWorkItemRepository) MarkQueued(_ context.Context, id int64) error {
	err := r.update(id, func(item *WorkItem) error {
		if item.Status != StatusPending {
			return checkTransition(id, item.Status, StatusQueued)
		}
		item.Status = StatusQueued
		return nil
	})
	if err == nil {
		r.onQueued()
	}
	return err
}

func (r *MemWorkItemRepository) ClaimBatch(_ context.Context, limit int) ([]*WorkItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	txn := r.db.Txn(true)
	defer txn.Abort()

	queued, err := r.getByStatus(txn, StatusQueued)
	if err != nil {
		return nil, err
	}
	claimed := make([]*WorkItem, 0, limit)
	now := r.now()
	for _, item := range queued {
		if len(claimed) == limit {
			break
		}
		if !item.Kind.Processable() {
			continue
		}
		item = item.DeepCopy()
		item.Status = StatusProcessing
		item.ErrorMessage = ""
		item.ProcessingStartedAt = &now
		item.UpdatedAt = now
		if err := txn.Insert(workItemsTable, item); err != nil {
			return nil, errors.WithStack(err)
		}
		claimed = append(claimed, item.DeepCopy())
	}
	txn.Commit()
	return claimed, nil
}

func (r *MemWorkItemRepository) Complete(_ context.Context, id int64, result json.RawMessage) error {
	return r.update(id, func(item *WorkItem) error {
		if item.Status != StatusProcessing {
			return errors.WithStack(&ingesterrors.ErrIllegalTransition{Id: id, From: string(item.Status), To: string(StatusCompleted)})
		}
		now := r.now()
		item.Status = StatusCompleted
		item.Result = append(json.RawMessage(nil), result...)
		item.ErrorMessage = ""
		item.ProcessedAt = &now
		return nil
	})
}

func (r *MemWorkItemRepository) Fail(_ context.Context, id int64, message string) error {
	return r.update(id, func(item *WorkItem) error {
		if item.Status != StatusProcessing {
			return errors.WithStack(&ingesterrors.ErrIllegalTransition{Id: id, From: string(item.Status), To: string(StatusFailed)})
		}
		now := r.now()
		item.Status = StatusFailed
		item.ErrorMessage = message
		item.ProcessedAt = &now
		return nil
	})
}

func (r *MemWorkItemRepository) Skip(_ context.Context, id int64, reason string) error {
	return r.update(id, func(item *WorkItem) error {
		if err := checkTransition(id, item.Status, StatusSkipped); err != nil {
			return err
		}
		now := r.now()
		item.Status = StatusSkipped
		item.ErrorMessage = reason
		item.ProcessedAt = &now
		return nil
	})
}

func (r *MemWorkItemRepository) Requeue(_ context.Context, ids []int64) ([]int64, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()

	var requeued []int64
	for _, id := range ids {
		item, err := r.getById(txn, id)
		if err != nil {
			var notFound *ingesterrors.ErrNotFound
			if errors.As(err, &notFound) {
				continue
			}
			return nil, err
		}
		if !Requeueable(item.Status) {
			continue
		}
		if err := txn.Insert(workItemsTable, r.requeued(item)); err != nil {
			return nil, errors.WithStack(err)
		}
		requeued = append(requeued, id)
	}
	txn.Commit()
	if len(requeued) > 0 {
		r.onQueued()
	}
	return requeued, nil
}

func (r *MemWorkItemRepository) RequeueFailed(_ context.Context, origin string) ([]int64, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()

	failed, err := r.getByStatus(txn, StatusFailed)
	if err != nil {
		return nil, err
	}
	var requeued []int64
	for _, item := range failed {
		if origin != "" && item.Origin != origin {
			continue
		}
		if err := txn.Insert(workItemsTable, r.requeued(item)); err != nil {
			return nil, errors.WithStack(err)
		}
		requeued = append(requeued, item.Id)
	}
	txn.Commit()
	if len(requeued) > 0 {
		r.onQueued()
	}
	return requeued, nil
}

// requeued returns a copy of item prepared for re-analysis.
func (r *MemWorkItemRepository) requeued(item *WorkItem) *WorkItem {
	now := r.now()
	c := item.DeepCopy()
	if c.Result != nil {
		c.History = append(c.History, PreviousResult{Version: c.Version, Result: c.Result, ReplacedAt: now})
	}
	c.Version++
	c.Status = StatusQueued
	c.Result = nil
	c.ErrorMessage = ""
	c.ProcessingStartedAt = nil
	c.ProcessedAt = nil
	c.UpdatedAt = now
	return c
}

func (r *MemWorkItemRepository) RequeueStale(_ context.Context, claimedBefore time.Time) ([]int64, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()

	processing, err := r.getByStatus(txn, StatusProcessing)
	if err != nil {
		return nil, err
	}
	var requeued []int64
	for _, item := range processing {
		if item.ProcessingStartedAt == nil || !item.ProcessingStartedAt.Before(claimedBefore) {
			continue
		}
		c := item.DeepCopy()
		c.Status = StatusQueued
		c.ProcessingStartedAt = nil
		c.UpdatedAt = r.now()
		if err := txn.Insert(workItemsTable, c); err != nil {
			return nil, errors.WithStack(err)
		}
		requeued = append(requeued, item.Id)
	}
	txn.Commit()
	if len(requeued) > 0 {
		r.onQueued()
	}
	return requeued, nil
}

func (r *MemWorkItemRepository) GetById(_ context.Context, id int64) (*WorkItem, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	item, err := r.getById(txn, id)
	if err != nil {
		return nil, err
	}
	return item.DeepCopy(), nil
}

func (r *MemWorkItemRepository) StatusCounts(_ context.Context) (StatusCounts, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(workItemsTable, idIndex)
	if err != nil {
		return StatusCounts{}, errors.WithStack(err)
	}
	counts := NewStatusCounts()
	for obj := it.Next(); obj != nil; obj = it.Next() {
		item := obj.(*WorkItem)
		counts.add(item.Kind, item.Status, 1)
	}
	return counts, nil
}

func (r *MemWorkItemRepository) update(id int64, mutate func(item *WorkItem) error) error {
	txn := r.db.Txn(true)
	defer txn.Abort()

	item, err := r.getById(txn, id)
	if err != nil {
		return err
	}
	item = item.DeepCopy()
	if err := mutate(item); err != nil {
		return err
	}
	item.UpdatedAt = r.now()
	if err := txn.Insert(workItemsTable, item); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (r *MemWorkItemRepository) getById(txn *memdb.Txn, id int64) (*WorkItem, error) {
	obj, err := txn.First(workItemsTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, errors.WithStack(&ingesterrors.ErrNotFound{Type: "work item", Value: strconv.FormatInt(id, 10)})
	}
	return obj.(*WorkItem), nil
}

// getByStatus returns the items in status s, oldest first.
func (r *MemWorkItemRepository) getByStatus(txn *memdb.Txn, s Status) ([]*WorkItem, error) {
	it, err := txn.Get(workItemsTable, statusIndex, string(s))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var items []*WorkItem
	for obj := it.Next(); obj != nil; obj = it.Next() {
		items = append(items, obj.(*WorkItem))
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].Id < items[j].Id
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}
