// Package bolt provides an embedded kv.KV backed by a single bbolt file.
// It is the authoritative store for a region: one writer process, monotone
// revisions, and in-process watch fanout.
package bolt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mistifyio/selkie/pkg/kv"
	bbolt "go.etcd.io/bbolt"
)

func init() {
	kv.Register("bolt", New)
	kv.Register("file", New)
}

var (
	bucketKV   = []byte("kv")
	bucketMeta = []byte("meta")
	revKey     = []byte("rev")

	// ErrKeyNotFound is returned by Get for missing or expired keys
	ErrKeyNotFound = errors.New("key not found")
)

type record struct {
	index  uint64
	expiry int64 // unix nanoseconds, 0 means never
	data   []byte
}

func encode(r record) []byte {
	buf := make([]byte, 16+len(r.data))
	binary.BigEndian.PutUint64(buf[0:8], r.index)
	binary.BigEndian.PutUint64(buf[8:16], uint64(r.expiry))
	copy(buf[16:], r.data)
	return buf
}

func decode(buf []byte) record {
	return record{
		index:  binary.BigEndian.Uint64(buf[0:8]),
		expiry: int64(binary.BigEndian.Uint64(buf[8:16])),
		data:   append([]byte(nil), buf[16:]...),
	}
}

type watchSub struct {
	prefix string
	events chan kv.Event
	stop   chan struct{}
}

type bkv struct {
	db *bbolt.DB

	mu       sync.Mutex // serializes mutations so watch order matches revision order
	watchers map[*watchSub]struct{}
	closed   chan struct{}
	once     sync.Once
}

// New opens (creating if needed) the bolt file named by the URL path.
// Accepted forms: bolt:///var/lib/selkie/store.db and file:///path/store.db
func New(addr string) (kv.KV, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	path := u.Path
	if u.Opaque != "" {
		path = u.Opaque
	}
	if path == "" {
		return nil, errors.New("bolt: empty store path")
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketKV); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	b := &bkv{
		db:       db,
		watchers: map[*watchSub]struct{}{},
		closed:   make(chan struct{}),
	}
	go b.reapExpired()
	return b, nil
}

func (b *bkv) nextRev(tx *bbolt.Tx) (uint64, error) {
	meta := tx.Bucket(bucketMeta)
	rev := uint64(0)
	if v := meta.Get(revKey); v != nil {
		rev = binary.BigEndian.Uint64(v)
	}
	rev++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, rev)
	return rev, meta.Put(revKey, buf)
}

func expired(r record) bool {
	return r.expiry != 0 && r.expiry <= time.Now().UnixNano()
}

func (b *bkv) Get(key string) (kv.Value, error) {
	var rec record
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketKV).Get([]byte(key))
		if v == nil {
			return ErrKeyNotFound
		}
		rec = decode(v)
		if expired(rec) {
			return ErrKeyNotFound
		}
		return nil
	})
	if err != nil {
		return kv.Value{}, err
	}
	return kv.Value{Data: rec.data, Index: rec.index}, nil
}

func (b *bkv) GetAll(prefix string) (map[string]kv.Value, error) {
	many := map[string]kv.Value{}
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketKV).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			rec := decode(v)
			if expired(rec) {
				continue
			}
			many[string(k)] = kv.Value{Data: rec.data, Index: rec.index}
		}
		return nil
	})
	return many, err
}

func (b *bkv) Keys(prefix string) ([]string, error) {
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	seen := map[string]struct{}{}
	var keys []string
	all, err := b.GetAll(prefix)
	if err != nil {
		return nil, err
	}
	for k := range all {
		// only the next path element below prefix, matching directory stores
		rest := strings.TrimPrefix(k, prefix)
		if i := strings.Index(rest, "/"); i >= 0 {
			rest = rest[:i]
		}
		child := prefix + rest
		if _, ok := seen[child]; !ok {
			seen[child] = struct{}{}
			keys = append(keys, child)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *bkv) Set(key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ev kv.Event
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketKV)
		typ := kv.Update
		if bk.Get([]byte(key)) == nil {
			typ = kv.Create
		}
		rev, err := b.nextRev(tx)
		if err != nil {
			return err
		}
		rec := record{index: rev, data: []byte(value)}
		ev = kv.Event{Key: key, Type: typ, Value: kv.Value{Data: rec.data, Index: rev}}
		return bk.Put([]byte(key), encode(rec))
	})
	if err != nil {
		return err
	}
	b.notify(ev)
	return nil
}

func (b *bkv) Update(key string, value kv.Value) (uint64, error) {
	ops := []kv.Op{{Key: key, Data: value.Data, Index: value.Index}}
	return b.Batch(ops)
}

func (b *bkv) Remove(key string, index uint64) error {
	_, err := b.Batch([]kv.Op{{Key: key, Index: index, Delete: true}})
	return err
}

// Batch applies every op in one bbolt transaction. Each op's Index must match
// the current index of its key (0 means the key must not exist). All ops
// share a single new revision.
func (b *bkv) Batch(ops []kv.Op) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var rev uint64
	events := make([]kv.Event, 0, len(ops))
	err := b.db.Update(func(tx *bbolt.Tx) error {
		events = events[:0]
		bk := tx.Bucket(bucketKV)

		for _, op := range ops {
			cur := bk.Get([]byte(op.Key))
			var curIndex uint64
			if cur != nil {
				rec := decode(cur)
				if !expired(rec) {
					curIndex = rec.index
				}
			}
			if curIndex != op.Index {
				return kv.ErrConflict
			}
			if op.Delete && cur == nil {
				return ErrKeyNotFound
			}
		}

		var err error
		rev, err = b.nextRev(tx)
		if err != nil {
			return err
		}

		for _, op := range ops {
			if op.Delete {
				if err := bk.Delete([]byte(op.Key)); err != nil {
					return err
				}
				events = append(events, kv.Event{Key: op.Key, Type: kv.Delete, Value: kv.Value{Index: rev}})
				continue
			}
			typ := kv.Update
			if op.Index == 0 {
				typ = kv.Create
			}
			rec := record{index: rev, data: op.Data}
			if err := bk.Put([]byte(op.Key), encode(rec)); err != nil {
				return err
			}
			events = append(events, kv.Event{Key: op.Key, Type: typ, Value: kv.Value{Data: rec.data, Index: rev}})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		b.notify(ev)
	}
	return rev, nil
}

func (b *bkv) Delete(key string, recurse bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var events []kv.Event
	err := b.db.Update(func(tx *bbolt.Tx) error {
		events = events[:0]
		bk := tx.Bucket(bucketKV)
		rev, err := b.nextRev(tx)
		if err != nil {
			return err
		}

		if !recurse {
			if bk.Get([]byte(key)) == nil {
				return ErrKeyNotFound
			}
			events = append(events, kv.Event{Key: key, Type: kv.Delete, Value: kv.Value{Index: rev}})
			return bk.Delete([]byte(key))
		}

		c := bk.Cursor()
		p := []byte(key)
		var doomed [][]byte
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		for _, k := range doomed {
			if err := bk.Delete(k); err != nil {
				return err
			}
			events = append(events, kv.Event{Key: string(k), Type: kv.Delete, Value: kv.Value{Index: rev}})
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, ev := range events {
		b.notify(ev)
	}
	return nil
}

func (b *bkv) IsKeyNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}

// Watch streams mutations under prefix. Existing keys with an index greater
// than fromIndex are replayed first so restarted watchers observe a monotone
// stream.
func (b *bkv) Watch(prefix string, fromIndex uint64, stop chan struct{}) (chan kv.Event, chan error, error) {
	sub := &watchSub{
		prefix: prefix,
		events: make(chan kv.Event, 128),
		stop:   stop,
	}

	// register under the mutation lock so the replay snapshot and the live
	// stream cannot miss or duplicate a revision
	b.mu.Lock()
	var replay []kv.Event
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketKV).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			rec := decode(v)
			if expired(rec) || rec.index <= fromIndex {
				continue
			}
			replay = append(replay, kv.Event{Key: string(k), Type: kv.Update, Value: kv.Value{Data: rec.data, Index: rec.index}})
		}
		return nil
	})
	if err != nil {
		b.mu.Unlock()
		return nil, nil, err
	}
	sort.Slice(replay, func(i, j int) bool { return replay[i].Index < replay[j].Index })
	b.watchers[sub] = struct{}{}
	b.mu.Unlock()

	events := make(chan kv.Event)
	errs := make(chan error)
	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.watchers, sub)
			b.mu.Unlock()
			close(events)
		}()
		for _, ev := range replay {
			select {
			case events <- ev:
			case <-stop:
				return
			case <-b.closed:
				return
			}
		}
		for {
			select {
			case ev := <-sub.events:
				select {
				case events <- ev:
				case <-stop:
					return
				case <-b.closed:
					return
				}
			case <-stop:
				return
			case <-b.closed:
				return
			}
		}
	}()

	return events, errs, nil
}

// notify is called with b.mu held by every mutator
func (b *bkv) notify(ev kv.Event) {
	for sub := range b.watchers {
		if !strings.HasPrefix(ev.Key, sub.prefix) {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			// slow watcher; drop rather than stall the write path
		}
	}
}

// TTL writes key with an expiry, after which reads treat it as missing and
// the reaper removes it. Used for host heartbeats.
func (b *bkv) TTL(key string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ev kv.Event
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketKV)
		typ := kv.Update
		if bk.Get([]byte(key)) == nil {
			typ = kv.Create
		}
		rev, err := b.nextRev(tx)
		if err != nil {
			return err
		}
		rec := record{
			index:  rev,
			expiry: time.Now().Add(ttl).UnixNano(),
			data:   []byte(time.Now().Format(time.RFC3339Nano)),
		}
		ev = kv.Event{Key: key, Type: typ, Value: kv.Value{Data: rec.data, Index: rev}}
		return bk.Put([]byte(key), encode(rec))
	})
	if err != nil {
		return err
	}
	b.notify(ev)
	return nil
}

func (b *bkv) reapExpired() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-b.closed:
			return
		case <-ticker.C:
		}

		b.mu.Lock()
		var events []kv.Event
		err := b.db.Update(func(tx *bbolt.Tx) error {
			bk := tx.Bucket(bucketKV)
			c := bk.Cursor()
			var doomed [][]byte
			for k, v := c.First(); k != nil; k, v = c.Next() {
				if expired(decode(v)) {
					doomed = append(doomed, append([]byte(nil), k...))
				}
			}
			if len(doomed) == 0 {
				return nil
			}
			rev, err := b.nextRev(tx)
			if err != nil {
				return err
			}
			for _, k := range doomed {
				if err := bk.Delete(k); err != nil {
					return err
				}
				events = append(events, kv.Event{Key: string(k), Type: kv.Delete, Value: kv.Value{Index: rev}})
			}
			return nil
		})
		if err == nil {
			for _, ev := range events {
				b.notify(ev)
			}
		}
		b.mu.Unlock()
	}
}

func (b *bkv) Ping() error {
	return b.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketKV) == nil {
			return errors.New("kv bucket missing")
		}
		return nil
	})
}

func (b *bkv) Close() error {
	b.once.Do(func() { close(b.closed) })
	return b.db.Close()
}
