package kv

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"
)

// Value is a stored blob along with the revision that last wrote it.
type Value struct {
	Data  []byte
	Index uint64
}

// EventType describes what happened to a watched key
type EventType int

const (
	None EventType = iota
	Get
	Create
	Delete
	Update
)

var types = map[EventType]string{
	None:   "None",
	Get:    "Get",
	Create: "Create",
	Delete: "Delete",
	Update: "Update",
}

// Event is emitted for every committed mutation under a watched prefix
type Event struct {
	Key  string
	Type EventType
	Value
}

func (e Event) GoString() string {
	return fmt.Sprintf("{Key:%s, Type:%s, Index: %d, Value: %s}", e.Key, types[e.Type], e.Index, string(e.Data))
}

// ErrConflict is returned when a compare-and-set or compare-and-delete loses
// the race. Batches fail as a whole with this error.
var ErrConflict = errors.New("kv: index mismatch")

// IsConflict is a helper to determine if the error is a CAS conflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// Op is one element of a Batch. Index is the expected index of the key; 0
// means the key must not exist yet. Delete set means the op removes the key
// instead of writing Data.
type Op struct {
	Key    string
	Data   []byte
	Index  uint64
	Delete bool
}

var register = struct {
	sync.RWMutex
	kvs map[string]func(string) (KV, error)
}{
	kvs: map[string]func(string) (KV, error){},
}

// Register is called by KV implementors to register their scheme to be used
// with New
func Register(name string, fn func(string) (KV, error)) {
	register.Lock()
	defer register.Unlock()

	if _, dup := register.kvs[name]; dup {
		panic("kv: Register called twice for " + name)
	}
	register.kvs[name] = fn
}

// New will return a KV implementation according to the connection string addr.
// addr is a URL where the scheme is used to determine which kv implementation
// to return. The special `http` and `https` schemes are deemed generic, the
// first implementation that supports it will be returned.
func New(addr string) (KV, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	register.RLock()
	defer register.RUnlock()

	fn := register.kvs[u.Scheme]
	if fn != nil {
		return fn(addr)
	} else if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unknown kv store %s (forgotten import?)", u.Scheme)
	}

	for _, constructor := range register.kvs {
		kv, err := constructor(addr)
		if err != nil {
			return nil, err
		}
		if kv != nil {
			return kv, nil
		}
	}
	return nil, fmt.Errorf("unknown kv store")
}

// KV is the interface for key value store interaction
type KV interface {
	Delete(string, bool) error
	Get(string) (Value, error)
	GetAll(string) (map[string]Value, error)
	Keys(string) ([]string, error)
	Set(string, string) error

	// Atomic operations
	// Update will set key=value while ensuring that newer values are not clobbered
	Update(string, Value) (uint64, error)
	// Remove will delete key only if it has not been modified since index
	Remove(string, uint64) error
	// Batch applies all ops atomically or fails the whole set with ErrConflict
	Batch([]Op) (uint64, error)

	// IsKeyNotFound is a helper to determine if the error is a key not found error
	IsKeyNotFound(error) bool

	Watch(string, uint64, chan struct{}) (chan Event, chan error, error)

	TTL(string, time.Duration) error

	// Ping verifies the store is reachable; it performs no write
	Ping() error

	Close() error
}
