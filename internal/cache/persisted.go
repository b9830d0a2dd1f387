package cache

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sumandas0/fleetadmin/internal/kv"
)

const keyPrefix = "cache:"

// Key addresses one cached response. RecordID is empty for list entries.
// Variant distinguishes list pages fetched with different query parameters.
type Key struct {
	Collection string
	Operation  string
	RecordID   string
	UserID     string
	Variant    string
}

// String renders cache:{collection}:{operation}:{id|-}:{user}[:{variant}].
func (k Key) String() string {
	id := k.RecordID
	if id == "" {
		id = "-"
	}
	s := fmt.Sprintf("%s%s:%s:%s:%s", keyPrefix, k.Collection, k.Operation, id, k.UserID)
	if k.Variant != "" {
		s += ":" + k.Variant
	}
	return s
}

// CollectionPrefix matches every key of a collection, whatever the operation
// or user.
func CollectionPrefix(collection string) string {
	return keyPrefix + collection + ":"
}

// Entry is a cached raw payload and when it was captured.
type Entry struct {
	Collection string          `json:"collection"`
	Operation  string          `json:"operation"`
	Data       json.RawMessage `json:"data"`
	Timestamp  time.Time       `json:"timestamp"`
}

// TTLFunc decides how long entries of a collection and operation stay valid.
type TTLFunc func(collection, operation string) time.Duration

// Persisted is the tier that survives restarts. Entries live in a kv.Store
// and are valid while now - timestamp < ttl.
type Persisted struct {
	store kv.Store
	ttl   TTLFunc
	now   func() time.Time
}

func NewPersisted(store kv.Store, ttl TTLFunc) *Persisted {
	return &Persisted{
		store: store,
		ttl:   ttl,
		now:   time.Now,
	}
}

// Get returns the entry for key if it is still valid. Expired entries are
// removed on the way out.
func (p *Persisted) Get(key Key) (*Entry, bool, error) {
	k := key.String()

	raw, ok, err := p.store.Get(k)
	if err != nil || !ok {
		return nil, false, err
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		_ = p.store.Delete(k)
		return nil, false, fmt.Errorf("corrupt cache entry %s: %w", k, err)
	}

	if !p.valid(&entry) {
		if err := p.store.Delete(k); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	return &entry, true, nil
}

func (p *Persisted) Set(key Key, data json.RawMessage) (*Entry, error) {
	entry := &Entry{
		Collection: key.Collection,
		Operation:  key.Operation,
		Data:       data,
		Timestamp:  p.now(),
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cache entry: %w", err)
	}

	if err := p.store.Set(key.String(), raw); err != nil {
		return nil, err
	}
	return entry, nil
}

// InvalidateCollection drops every entry of collection for all users.
func (p *Persisted) InvalidateCollection(collection string) (int, error) {
	return p.store.DeletePrefix(CollectionPrefix(collection))
}

func (p *Persisted) Clear() (int, error) {
	return p.store.DeletePrefix(keyPrefix)
}

// Prune removes expired and undecodable entries.
func (p *Persisted) Prune() (int, error) {
	var stale []string

	err := p.store.Scan(keyPrefix, func(key string, value []byte) bool {
		var entry Entry
		if err := json.Unmarshal(value, &entry); err != nil || !p.valid(&entry) {
			stale = append(stale, key)
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	for _, key := range stale {
		if err := p.store.Delete(key); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// Count reports stored entries per collection, expired ones included.
func (p *Persisted) Count() (map[string]int, error) {
	counts := make(map[string]int)

	err := p.store.Scan(keyPrefix, func(key string, _ []byte) bool {
		rest := strings.TrimPrefix(key, keyPrefix)
		if i := strings.Index(rest, ":"); i > 0 {
			counts[rest[:i]]++
		}
		return true
	})

	return counts, err
}

func (p *Persisted) valid(entry *Entry) bool {
	return p.now().Sub(entry.Timestamp) < p.ttl(entry.Collection, entry.Operation)
}
