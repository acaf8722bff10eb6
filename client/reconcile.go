package client

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultPollInterval is how often the reconciler re-fetches the
	// document's blocks.
	DefaultPollInterval = 2500 * time.Millisecond
	// DefaultContentDebounce is how long an edit must stay quiet before
	// it is committed to the server.
	DefaultContentDebounce = 800 * time.Millisecond
)

// blockAPI is the slice of Client the reconciler needs.
type blockAPI interface {
	FetchBlocks(ctx context.Context, docID int64) ([]Block, error)
	UpdateBlock(ctx context.Context, docID, blockID int64, content string) error
}

// Reconciler converges a local view of one document with the server by
// polling. Remote changes overwrite local blocks except the one block
// the user is actively editing; local edits are committed after a
// debounce window. Last writer wins.
type Reconciler struct {
	api   blockAPI
	docID int64

	PollInterval    time.Duration
	ContentDebounce time.Duration

	// OnRender is called for blocks that appeared remotely, OnChange
	// for blocks whose content was overwritten by a poll, OnRemove for
	// blocks deleted remotely.
	OnRender func(Block)
	OnChange func(Block)
	OnRemove func(blockID int64)

	mu       sync.Mutex
	local    map[int64]Block
	activeID int64
	editGen  int
	pending  *time.Timer
}

// NewReconciler creates a reconciler for one document.
func NewReconciler(api blockAPI, docID int64) *Reconciler {
	return &Reconciler{
		api:             api,
		docID:           docID,
		PollInterval:    DefaultPollInterval,
		ContentDebounce: DefaultContentDebounce,
		local:           make(map[int64]Block),
	}
}

// Run polls until the context is cancelled. A failed poll is ignored
// and retried on the next tick.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.Tick(ctx)
		}
	}
}

// Tick performs one poll-and-reconcile pass. The whole pass is skipped
// while a block is being edited, so an in-flight edit is never fought
// over with the server.
func (r *Reconciler) Tick(ctx context.Context) error {
	r.mu.Lock()
	if r.activeID != 0 {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	remote, err := r.api.FetchBlocks(ctx, r.docID)
	if err != nil {
		return err
	}
	r.apply(remote)
	return nil
}

// apply diffs the remote block set against the local view.
func (r *Reconciler) apply(remote []Block) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[int64]bool, len(remote))
	for _, b := range remote {
		seen[b.ID] = true
		existing, ok := r.local[b.ID]
		if !ok {
			r.local[b.ID] = b
			if r.OnRender != nil {
				r.OnRender(b)
			}
			continue
		}
		if b.ID == r.activeID {
			continue
		}
		if existing.Content != b.Content || existing.Position != b.Position {
			r.local[b.ID] = b
			if r.OnChange != nil {
				r.OnChange(b)
			}
		}
	}
	for id := range r.local {
		if !seen[id] {
			delete(r.local, id)
			if r.OnRemove != nil {
				r.OnRemove(id)
			}
		}
	}
}

// Edit records a local content change: the block becomes the active
// block, exempt from overwrites, and the debounce timer is re-armed.
// When the edit stays quiet for the debounce window the content is
// committed and the active marker cleared, unless a newer edit re-armed
// it in the meantime.
func (r *Reconciler) Edit(blockID int64, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.activeID = blockID
	r.editGen++
	gen := r.editGen

	if b, ok := r.local[blockID]; ok {
		b.Content = content
		r.local[blockID] = b
	} else {
		r.local[blockID] = Block{ID: blockID, DocID: r.docID, Content: content}
	}

	if r.pending != nil {
		r.pending.Stop()
	}
	r.pending = time.AfterFunc(r.ContentDebounce, func() {
		r.commit(blockID, content, gen)
	})
}

func (r *Reconciler) commit(blockID int64, content string, gen int) {
	if err := r.api.UpdateBlock(context.Background(), r.docID, blockID, content); err != nil {
		// Dropped like a failed poll; the next edit or tick catches up.
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.editGen == gen && r.activeID == blockID {
		r.activeID = 0
	}
}

// SetActive marks a block as being edited without changing content,
// e.g. on focus.
func (r *Reconciler) SetActive(blockID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeID = blockID
}

// ClearActive releases the active marker, e.g. on blur.
func (r *Reconciler) ClearActive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeID = 0
}

// Blocks returns the local view in position order with insertion id as
// tie-break.
func (r *Reconciler) Blocks() []Block {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Block, 0, len(r.local))
	for _, b := range r.local {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}
