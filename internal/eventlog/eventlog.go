package eventlog

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity is the number of entries kept when no size is configured
const DefaultCapacity = 100

// Entry kinds written by the streaming controller
const (
	KindTranscript = "Transcript"
	KindEvent      = "Event"
	KindStatus     = "Status"
	KindError      = "Error"
)

// Entry is one displayable log line
type Entry struct {
	ID        uuid.UUID
	Timestamp time.Time
	Kind      string
	Content   string
}

// Clock formats the entry timestamp as HH:mm:ss
func (e Entry) Clock() string {
	return e.Timestamp.Format("15:04:05")
}

// Log is a bounded, newest-first list of entries backed by a ring buffer.
// Add is O(1); once full, every Add evicts the oldest entry.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	head    int // index of the next write
	size    int
}

// New creates a log holding at most capacity entries.
// capacity <= 0 selects DefaultCapacity.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{entries: make([]Entry, capacity)}
}

// Add records a new entry at the front and returns it
func (l *Log) Add(kind, content string) Entry {
	e := Entry{
		ID:        uuid.New(),
		Timestamp: time.Now(),
		Kind:      kind,
		Content:   content,
	}
	l.Push(e)
	return e
}

// Push inserts a prepared entry at the front
func (l *Log) Push(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[l.head] = e
	l.head = (l.head + 1) % len(l.entries)
	if l.size < len(l.entries) {
		l.size++
	}
}

// At returns the i-th newest entry (0 is the most recent)
func (l *Log) At(i int) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if i < 0 || i >= l.size {
		return Entry{}, false
	}
	return l.entries[l.index(i)], true
}

// Entries returns a snapshot, newest first
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, l.size)
	for i := range out {
		out[i] = l.entries[l.index(i)]
	}
	return out
}

// Len returns the number of entries held
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Cap returns the maximum number of entries held
func (l *Log) Cap() int {
	return len(l.entries)
}

// Clear removes all entries
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.entries {
		l.entries[i] = Entry{}
	}
	l.head = 0
	l.size = 0
}

// index maps a newest-first position to a slot; caller holds the lock
func (l *Log) index(i int) int {
	n := len(l.entries)
	return (l.head - 1 - i + 2*n) % n
}
