package database

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

var (
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	entropyMu sync.Mutex
)

// NewULID returns a lower-cased, monotonically increasing ULID. Safe for concurrent use.
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Now(), entropy).String())
}

// UniqueTableName returns a table name derived from prefix that will not collide with concurrent callers,
// for staging data in temporary tables.
func UniqueTableName(prefix string) string {
	return prefix + "_tmp_" + NewULID()
}
