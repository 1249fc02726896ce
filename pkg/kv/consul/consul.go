// Package consul provides a kv.KV backed by a consul cluster, for
// deployments that want the control-plane state replicated instead of
// in a local bolt file.
package consul

import (
	"errors"
	"net/url"
	"sync"
	"time"

	consul "github.com/hashicorp/consul/api"
	"github.com/hashicorp/consul/api/watch"
	"github.com/mistifyio/selkie/pkg/kv"
)

var err404 = errors.New("key not found")

func init() {
	kv.Register("consul", New)
}

type ckv struct {
	c      *consul.KV
	client *consul.Client
	config *consul.Config

	mu       sync.Mutex
	sessions map[string]string // TTL key -> session id
}

// New instantiates a consul kv implementation.
// The parameter addr may be the empty string or a valid URL.
// If addr is not empty it must be a valid URL with schemes http, https or
// consul; consul is synonymous with http. If addr is the empty string the
// consul client will connect to the default address, which may be influenced
// by the environment.
func New(addr string) (kv.KV, error) {
	config := consul.DefaultConfig()
	if addr == "" {
		addr = config.Scheme + "://" + config.Address
	} else {
		u, err := url.Parse(addr)
		if err != nil {
			return nil, err
		}

		if u.Scheme != "consul" {
			config.Scheme = u.Scheme
		}
		config.Address = u.Host
	}

	client, err := consul.NewClient(config)
	if err != nil {
		return nil, err
	}

	return &ckv{
		c:        client.KV(),
		client:   client,
		config:   config,
		sessions: make(map[string]string),
	}, nil
}

func (c *ckv) Delete(key string, recurse bool) error {
	var err error
	if recurse {
		_, err = c.c.DeleteTree(key, nil)
	} else {
		_, err = c.c.Delete(key, nil)
	}
	return err
}

func (c *ckv) Get(key string) (kv.Value, error) {
	kvp, _, err := c.c.Get(key, nil)
	if err != nil {
		return kv.Value{}, err
	}
	if kvp == nil || kvp.Value == nil {
		return kv.Value{}, err404
	}
	return kv.Value{Data: kvp.Value, Index: kvp.ModifyIndex}, nil
}

func (c *ckv) GetAll(prefix string) (map[string]kv.Value, error) {
	pairs, _, err := c.c.List(prefix, nil)
	if err != nil {
		return nil, err
	}
	many := make(map[string]kv.Value, len(pairs))
	for _, kvp := range pairs {
		many[kvp.Key] = kv.Value{Data: kvp.Value, Index: kvp.ModifyIndex}
	}
	return many, nil
}

func (c *ckv) Keys(key string) ([]string, error) {
	keys, _, err := c.c.Keys(key, "/", nil)
	return keys, err
}

func (c *ckv) Set(key, value string) error {
	_, err := c.c.Put(&consul.KVPair{Key: key, Value: []byte(value)}, nil)
	return err
}

// Update is a single-op Batch so the caller gets the committed
// ModifyIndex back from the transaction response
func (c *ckv) Update(key string, value kv.Value) (uint64, error) {
	return c.Batch([]kv.Op{{Key: key, Data: value.Data, Index: value.Index}})
}

func (c *ckv) Remove(key string, index uint64) error {
	ok, _, err := c.c.DeleteCAS(&consul.KVPair{Key: key, ModifyIndex: index}, nil)
	if err != nil {
		return err
	}
	if !ok {
		return kv.ErrConflict
	}
	return nil
}

// Batch applies every op in one consul transaction. Each op's Index
// must match the key's current ModifyIndex (0 means the key must not
// exist), so a lost race fails the whole set with ErrConflict.
func (c *ckv) Batch(ops []kv.Op) (uint64, error) {
	txn := make(consul.KVTxnOps, 0, len(ops))
	for _, op := range ops {
		verb := consul.KVCAS
		if op.Delete {
			verb = consul.KVDeleteCAS
		}
		txn = append(txn, &consul.KVTxnOp{
			Verb:  verb,
			Key:   op.Key,
			Value: op.Data,
			Index: op.Index,
		})
	}

	ok, resp, _, err := c.c.Txn(txn, nil)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, kv.ErrConflict
	}

	var index uint64
	for _, result := range resp.Results {
		if result.ModifyIndex > index {
			index = result.ModifyIndex
		}
	}
	return index, nil
}

func (c *ckv) IsKeyNotFound(err error) bool {
	return errors.Is(err, err404)
}

func (c *ckv) Watch(prefix string, index uint64, stop chan struct{}) (chan kv.Event, chan error, error) {
	wp, err := watch.Parse(map[string]interface{}{
		"type":   "keyprefix",
		"prefix": prefix,
	})
	if err != nil {
		return nil, nil, err
	}

	events := make(chan kv.Event)
	errs := make(chan error)

	saved := map[string]uint64{}
	wp.Handler = func(index uint64, data interface{}) {
		current := map[string]uint64{}

		for _, kvp := range data.(consul.KVPairs) {
			current[kvp.Key] = kvp.ModifyIndex

			event := kv.Event{
				Key: kvp.Key,
				Value: kv.Value{
					Data:  kvp.Value,
					Index: kvp.ModifyIndex,
				},
			}

			old, ok := saved[kvp.Key]
			switch {
			case !ok:
				event.Type = kv.Create
			case old != kvp.ModifyIndex:
				event.Type = kv.Update
			}
			events <- event

			delete(saved, kvp.Key)
		}

		// anything left over in "saved" was not seen this round so it
		// must have been deleted
		for key, index := range saved {
			events <- kv.Event{
				Key:  key,
				Type: kv.Delete,
				Value: kv.Value{
					Index: index,
				},
			}
		}

		saved = current
	}

	go func() {
		<-stop
		wp.Stop()
	}()
	go func() {
		if err := wp.Run(c.config.Address); err != nil {
			errs <- err
		}
	}()

	return events, errs, nil
}

// TTL writes key bound to an expiring session, so consul removes it
// when the writer stops refreshing. Sessions are cached per key and
// renewed on every call. Consul clamps session TTLs below 10s up.
func (c *ckv) TTL(key string, ttl time.Duration) error {
	c.mu.Lock()
	session, ok := c.sessions[key]
	c.mu.Unlock()

	if ok {
		entry, _, err := c.client.Session().Renew(session, nil)
		if err == nil && entry != nil {
			_, err = c.c.Put(&consul.KVPair{
				Key:     key,
				Value:   []byte(time.Now().Format(time.RFC3339Nano)),
				Session: session,
			}, nil)
			return err
		}
		c.mu.Lock()
		delete(c.sessions, key)
		c.mu.Unlock()
	}

	session, _, err := c.client.Session().Create(&consul.SessionEntry{
		TTL:      ttl.String(),
		Behavior: consul.SessionBehaviorDelete,
	}, nil)
	if err != nil {
		return err
	}

	acquired, _, err := c.c.Acquire(&consul.KVPair{
		Key:     key,
		Value:   []byte(time.Now().Format(time.RFC3339Nano)),
		Session: session,
	}, nil)
	if err != nil {
		return err
	}
	if !acquired {
		return kv.ErrConflict
	}

	c.mu.Lock()
	c.sessions[key] = session
	c.mu.Unlock()
	return nil
}

// Ping verifies communication with the cluster
func (c *ckv) Ping() error {
	_, err := c.client.Agent().NodeName()
	return err
}

// Close destroys the TTL sessions so their keys expire promptly. The
// underlying HTTP client needs no teardown.
func (c *ckv) Close() error {
	c.mu.Lock()
	sessions := make([]string, 0, len(c.sessions))
	for _, session := range c.sessions {
		sessions = append(sessions, session)
	}
	c.sessions = make(map[string]string)
	c.mu.Unlock()

	var errs []error
	for _, session := range sessions {
		if _, err := c.client.Session().Destroy(session, nil); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
