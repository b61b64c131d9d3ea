package database

import (
	"encoding/json"
	"time"
)

type Status string

const (
	// Waiting on an upstream step, e.g. the storage upload.
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	// Never processed directly, e.g. an archive container whose entries were enqueued instead.
	StatusSkipped Status = "skipped"
)

var AllStatuses = []Status{StatusPending, StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusSkipped}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// PayloadKind says how the payload of a work item is obtained.
type PayloadKind string

const (
	KindInline  PayloadKind = "inline-content"
	KindRemote  PayloadKind = "remote-reference"
	KindArchive PayloadKind = "archive"
)

var AllKinds = []PayloadKind{KindInline, KindRemote, KindArchive}

// Processable is false for kinds the dispatcher must never claim.
func (k PayloadKind) Processable() bool {
	return k == KindInline || k == KindRemote
}

func (k PayloadKind) Valid() bool {
	return k == KindInline || k == KindRemote || k == KindArchive
}

// PreviousResult is a result replaced by a re-analysis.
type PreviousResult struct {
	Version    int32           `json:"version"`
	Result     json.RawMessage `json:"result"`
	ReplacedAt time.Time       `json:"replaced_at"`
}

// WorkItem is one ingestible unit tracked through the status machine.
type WorkItem struct {
	Id int64 `json:"id"`
	// Entity the item belongs to, e.g. a tender or an invoice batch.
	Origin string `json:"origin"`
	// Set for items extracted from an archive container.
	ParentId *int64      `json:"parent_id,omitempty"`
	Kind     PayloadKind `json:"kind"`
	// Local path for inline content, URL for remote references.
	Location     string `json:"location"`
	Status       Status `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	// Incremented by every re-analysis.
	Version             int32            `json:"version"`
	Result              json.RawMessage  `json:"result,omitempty"`
	History             []PreviousResult `json:"history"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
	ProcessingStartedAt *time.Time       `json:"processing_started_at,omitempty"`
	ProcessedAt         *time.Time       `json:"processed_at,omitempty"`
}

func (w *WorkItem) DeepCopy() *WorkItem {
	if w == nil {
		return nil
	}
	c := *w
	if w.ParentId != nil {
		parent := *w.ParentId
		c.ParentId = &parent
	}
	if w.Result != nil {
		c.Result = append(json.RawMessage(nil), w.Result...)
	}
	if w.History != nil {
		c.History = append([]PreviousResult(nil), w.History...)
	}
	if w.ProcessingStartedAt != nil {
		t := *w.ProcessingStartedAt
		c.ProcessingStartedAt = &t
	}
	if w.ProcessedAt != nil {
		t := *w.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}

// NewWorkItem is what an upstream ingestion step supplies to Enqueue.
type NewWorkItem struct {
	Origin   string
	ParentId *int64
	Kind     PayloadKind
	Location string
	// Enqueue directly in queued rather than pending.
	Queued bool
}

// StatusCounts aggregates work items per status and per payload kind.
type StatusCounts struct {
	ByStatus map[Status]int64                 `json:"by_status"`
	ByKind   map[PayloadKind]map[Status]int64 `json:"by_kind"`
	Total    int64                            `json:"total"`
}

func NewStatusCounts() StatusCounts {
	counts := StatusCounts{
		ByStatus: make(map[Status]int64, len(AllStatuses)),
		ByKind:   make(map[PayloadKind]map[Status]int64, len(AllKinds)),
	}
	for _, s := range AllStatuses {
		counts.ByStatus[s] = 0
	}
	return counts
}

func (c *StatusCounts) add(kind PayloadKind, status Status, n int64) {
	c.ByStatus[status] += n
	if c.ByKind[kind] == nil {
		c.ByKind[kind] = make(map[Status]int64, len(AllStatuses))
	}
	c.ByKind[kind][status] += n
	c.Total += n
}

type SyncRunStatus string

const (
	SyncRunRunning SyncRunStatus = "running"
	SyncRunSuccess SyncRunStatus = "success"
	SyncRunError   SyncRunStatus = "error"
)

// SyncRun is one logged execution of a synchronization routine.
type SyncRun struct {
	Id           int64           `json:"id"`
	SyncType     string          `json:"sync_type"`
	Status       SyncRunStatus   `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	ItemsSynced  int             `json:"items_synced"`
	ItemsCreated int             `json:"items_created"`
	ItemsUpdated int             `json:"items_updated"`
	ItemsFailed  int             `json:"items_failed"`
	Details      json.RawMessage `json:"details,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// SyncRunOutcome is what a routine reports when its run finishes.
type SyncRunOutcome struct {
	ItemsSynced  int
	ItemsCreated int
	ItemsUpdated int
	ItemsFailed  int
	Details      map[string]interface{}
	// Non-nil marks the run as error.
	Err error
}
