package barengine

import "barwatch/internal/model"

const defaultBacklog = 64

// backlogEntry is one encoded notification kept for late stream clients.
type backlogEntry struct {
	Seq  int64
	Kind model.NotificationKind
	Data []byte
}

// backlog is a fixed-size circular buffer of the most recent stream
// notifications. Not safe for concurrent use; the hub guards it.
type backlog struct {
	buf  []backlogEntry
	cap  int
	pos  int // next write position
	full bool
	seq  int64
}

func newBacklog(capacity int) *backlog {
	if capacity <= 0 {
		capacity = defaultBacklog
	}
	return &backlog{buf: make([]backlogEntry, capacity), cap: capacity}
}

// push stores data, overwriting the oldest entry when full, and returns its
// sequence number.
func (b *backlog) push(kind model.NotificationKind, data []byte) int64 {
	b.seq++
	b.buf[b.pos] = backlogEntry{Seq: b.seq, Kind: kind, Data: data}
	b.pos = (b.pos + 1) % b.cap
	if b.pos == 0 {
		b.full = true
	}
	return b.seq
}

// last returns up to n entries accepted by keep, oldest first.
func (b *backlog) last(n int, keep func(model.NotificationKind) bool) []backlogEntry {
	if n <= 0 {
		return nil
	}
	var out []backlogEntry
	for i := b.len() - 1; i >= 0 && len(out) < n; i-- {
		e := b.buf[b.index(i)]
		if keep == nil || keep(e.Kind) {
			out = append(out, e)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (b *backlog) len() int {
	if b.full {
		return b.cap
	}
	return b.pos
}

// index converts a logical index (0 = oldest) to a physical buffer index.
func (b *backlog) index(logical int) int {
	if b.full {
		return (b.pos + logical) % b.cap
	}
	return logical
}
