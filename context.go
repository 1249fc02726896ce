package selkie

import (
	"encoding/json"

	"github.com/mistifyio/selkie/pkg/kv"
)

// Context carries the kv store handle needed for entity operations
type Context struct {
	kv kv.KV
}

// NewContext creates a Context around an opened kv store
func NewContext(k kv.KV) *Context {
	return &Context{
		kv: k,
	}
}

// KV exposes the underlying store for components that batch entity
// mutations together, such as the reconciler and the allocators
func (c *Context) KV() kv.KV {
	return c.kv
}

// IsKeyNotFound is a helper to determine if the error is a key not found error
func (c *Context) IsKeyNotFound(err error) bool {
	return c.kv.IsKeyNotFound(err)
}

// fetch loads key into v and returns the modified index
func (c *Context) fetch(key string, v interface{}) (uint64, error) {
	value, err := c.kv.Get(key)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(value.Data, v); err != nil {
		return 0, err
	}
	return value.Index, nil
}

// save persists v at key with a compare-and-set on index; index 0 creates
func (c *Context) save(key string, v interface{}, index uint64) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	newIndex, err := c.kv.Update(key, kv.Value{Data: data, Index: index})
	if err != nil {
		if kv.IsConflict(err) {
			return 0, NewError(ErrConflict, "%s modified concurrently", key)
		}
		return 0, err
	}
	return newIndex, nil
}

// putOp builds a batch op writing v at key with expected index
func putOp(key string, v interface{}, index uint64) (kv.Op, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return kv.Op{}, err
	}
	return kv.Op{Key: key, Data: data, Index: index}, nil
}

// deleteOp builds a batch op removing key at expected index
func deleteOp(key string, index uint64) kv.Op {
	return kv.Op{Key: key, Index: index, Delete: true}
}

// Batch applies ops atomically, translating conflicts to the stable code
func (c *Context) Batch(ops []kv.Op) (uint64, error) {
	index, err := c.kv.Batch(ops)
	if err != nil {
		if kv.IsConflict(err) {
			return 0, NewError(ErrConflict, "batch lost a concurrent update")
		}
		return 0, err
	}
	return index, nil
}
