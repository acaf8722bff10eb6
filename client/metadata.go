package client

import (
	"context"
	"sync"
	"time"
)

// DefaultMetadataDebounce is how long title/tag edits must stay quiet
// before they are committed. Shorter than the content debounce since
// metadata fields change in small bursts.
const DefaultMetadataDebounce = 600 * time.Millisecond

// documentAPI is the slice of Client the metadata debouncer needs.
type documentAPI interface {
	UpdateDocument(ctx context.Context, docID int64, title, tags string, libraryID int64) (Document, error)
}

// MetadataDebouncer batches edits to one document's title and tags and
// commits the latest values once typing pauses. Like block edits this
// is last writer wins.
type MetadataDebouncer struct {
	api   documentAPI
	docID int64

	Debounce time.Duration

	mu        sync.Mutex
	title     string
	tags      string
	libraryID int64
	pending   *time.Timer
}

// NewMetadataDebouncer creates a debouncer for one document, seeded
// with its current metadata.
func NewMetadataDebouncer(api documentAPI, doc Document) *MetadataDebouncer {
	return &MetadataDebouncer{
		api:       api,
		docID:     doc.ID,
		Debounce:  DefaultMetadataDebounce,
		title:     doc.Title,
		tags:      doc.Tags,
		libraryID: doc.LibraryID,
	}
}

// Edit records new metadata values and re-arms the debounce timer.
func (m *MetadataDebouncer) Edit(title, tags string, libraryID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.title, m.tags, m.libraryID = title, tags, libraryID
	if m.pending != nil {
		m.pending.Stop()
	}
	m.pending = time.AfterFunc(m.Debounce, func() {
		m.Flush(context.Background())
	})
}

// Flush commits the latest values immediately, e.g. on blur or before
// navigating away. A failed commit is dropped; the next edit retries.
func (m *MetadataDebouncer) Flush(ctx context.Context) {
	m.mu.Lock()
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	title, tags, libraryID := m.title, m.tags, m.libraryID
	m.mu.Unlock()

	_, _ = m.api.UpdateDocument(ctx, m.docID, title, tags, libraryID)
}
