package transcript

import (
	"strings"
	"sync"
)

// Buffer accumulates transcription output for one capture mode. Partial text
// is overwritten continuously by streaming interim results; final fragments
// concatenate into pending text until committed or discarded.
type Buffer struct {
	mu      sync.Mutex
	partial string
	pending string
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// SetPartial replaces the interim text.
func (b *Buffer) SetPartial(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.partial = strings.TrimSpace(text)
}

// AppendFinal adds a committed fragment to the pending text, joined with a
// single space, and clears the interim text it supersedes.
func (b *Buffer) AppendFinal(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == "" {
		b.pending = text
	} else {
		b.pending = b.pending + " " + text
	}
	b.partial = ""
}

// Partial returns the current interim text.
func (b *Buffer) Partial() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.partial
}

// Pending returns the accumulated final text awaiting commit.
func (b *Buffer) Pending() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Edit replaces the pending text before commit.
func (b *Buffer) Edit(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = strings.TrimSpace(text)
}

// Commit atomically takes and clears the pending text. A second commit
// without an intervening append returns ok=false.
func (b *Buffer) Commit() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == "" {
		return "", false
	}
	text := b.pending
	b.pending = ""
	b.partial = ""
	return text, true
}

// DiscardPartial drops only the interim text, keeping pending finals from
// earlier segments intact.
func (b *Buffer) DiscardPartial() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.partial = ""
}

// Discard drops all buffered text. Discarding an empty buffer is a no-op.
func (b *Buffer) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.partial = ""
	b.pending = ""
}
