package metadiff

import (
	"sync"

	"github.com/MarcoPoloResearchLab/mediavault/internal/media"
)

// Snapshot is the pre-update media state of one entity.
type Snapshot struct {
	Entity media.EntityRef
	state  previewState
	taken  bool
}

// Taken reports whether the snapshot was produced by BeforeUpdate.
func (s Snapshot) Taken() bool {
	return s.taken
}

// Asset returns the referenced video, if the entity had one.
func (s Snapshot) Asset() (media.AssetRef, bool) {
	if !s.taken || !s.state.present {
		return media.AssetRef{}, false
	}
	return s.state.preview.Ref(), true
}

// TakeSnapshot captures the media state of meta for ref.
func TakeSnapshot(ref media.EntityRef, meta media.Metadata) Snapshot {
	return Snapshot{Entity: ref, state: readPreview(meta), taken: true}
}

// Buffer holds snapshots between the before- and after-update hooks for
// hosts that cannot thread the value through. Entries are removed on read.
type Buffer struct {
	mu      sync.Mutex
	entries map[string]Snapshot
}

// NewBuffer returns an empty buffer. Use one per request.
func NewBuffer() *Buffer {
	return &Buffer{entries: make(map[string]Snapshot)}
}

func (b *Buffer) Put(snapshot Snapshot) {
	if !snapshot.taken {
		return
	}
	b.mu.Lock()
	b.entries[snapshot.Entity.Key()] = snapshot
	b.mu.Unlock()
}

// Consume returns and forgets the snapshot for ref.
func (b *Buffer) Consume(ref media.EntityRef) (Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot, ok := b.entries[ref.Key()]
	if ok {
		delete(b.entries, ref.Key())
	}
	return snapshot, ok
}

// Len reports the number of unconsumed snapshots.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
