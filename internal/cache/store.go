package cache

import (
	"context"
	"time"
)

// Entry is one cached weather payload. The payload bytes are opaque to the
// cache; expiry is absolute.
type Entry struct {
	Payload   []byte    `json:"payload"`
	StoredAt  time.Time `json:"storedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Store is the response cache backend contract. An expired entry is never
// returned from Lookup; backends delete it lazily on read.
type Store interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Insert(ctx context.Context, key string, entry Entry) error
	Size(ctx context.Context) (int64, error)
	Clear(ctx context.Context) error
	Close(ctx context.Context) error
}

func cloneEntry(in Entry) Entry {
	out := Entry{
		StoredAt:  in.StoredAt,
		ExpiresAt: in.ExpiresAt,
	}
	if len(in.Payload) > 0 {
		out.Payload = make([]byte, len(in.Payload))
		copy(out.Payload, in.Payload)
	}
	return out
}
