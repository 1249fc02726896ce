package bolt_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mistifyio/selkie/pkg/kv"
	_ "github.com/mistifyio/selkie/pkg/kv/bolt"
	"github.com/stretchr/testify/suite"
)

func TestBolt(t *testing.T) {
	suite.Run(t, new(BoltSuite))
}

type BoltSuite struct {
	suite.Suite
	KV kv.KV
}

func (s *BoltSuite) SetupTest() {
	store, err := kv.New("file://" + filepath.Join(s.T().TempDir(), "store.db"))
	s.Require().NoError(err)
	s.KV = store
}

func (s *BoltSuite) TearDownTest() {
	s.NoError(s.KV.Close())
}

func (s *BoltSuite) TestGetMissing() {
	_, err := s.KV.Get("nope")
	s.True(s.KV.IsKeyNotFound(err), "missing key should be not-found: ", err)
}

func (s *BoltSuite) TestSetGet() {
	s.Require().NoError(s.KV.Set("greeting", "hello"))
	v, err := s.KV.Get("greeting")
	s.Require().NoError(err)
	s.Equal("hello", string(v.Data))
	s.NotZero(v.Index)

	s.Require().NoError(s.KV.Set("greeting", "bye"))
	v2, err := s.KV.Get("greeting")
	s.Require().NoError(err)
	s.Equal("bye", string(v2.Data))
	s.Greater(v2.Index, v.Index, "every write should bump the revision")
}

func (s *BoltSuite) TestUpdate() {
	idx, err := s.KV.Update("row", kv.Value{Data: []byte("v1"), Index: 0})
	s.Require().NoError(err)
	s.NotZero(idx)

	_, err = s.KV.Update("row", kv.Value{Data: []byte("dupe"), Index: 0})
	s.True(kv.IsConflict(err), "create over an existing key should conflict: ", err)

	idx2, err := s.KV.Update("row", kv.Value{Data: []byte("v2"), Index: idx})
	s.Require().NoError(err)
	s.Greater(idx2, idx)

	_, err = s.KV.Update("row", kv.Value{Data: []byte("stale"), Index: idx})
	s.True(kv.IsConflict(err), "stale index should conflict: ", err)

	v, err := s.KV.Get("row")
	s.Require().NoError(err)
	s.Equal("v2", string(v.Data))
}

func (s *BoltSuite) TestRemove() {
	idx, err := s.KV.Update("row", kv.Value{Data: []byte("v1"), Index: 0})
	s.Require().NoError(err)

	err = s.KV.Remove("row", idx+1)
	s.True(kv.IsConflict(err), "wrong index should conflict: ", err)

	s.Require().NoError(s.KV.Remove("row", idx))
	_, err = s.KV.Get("row")
	s.True(s.KV.IsKeyNotFound(err))

	err = s.KV.Remove("row", 0)
	s.True(s.KV.IsKeyNotFound(err), "removing a missing key should be not-found: ", err)
}

func (s *BoltSuite) TestBatchCreate() {
	rev, err := s.KV.Batch([]kv.Op{
		{Key: "pair/a", Data: []byte("1"), Index: 0},
		{Key: "pair/b", Data: []byte("2"), Index: 0},
	})
	s.Require().NoError(err)

	a, err := s.KV.Get("pair/a")
	s.Require().NoError(err)
	b, err := s.KV.Get("pair/b")
	s.Require().NoError(err)
	s.Equal(rev, a.Index)
	s.Equal(rev, b.Index, "batched writes should share one revision")
}

func (s *BoltSuite) TestBatchAtomicity() {
	s.Require().NoError(s.KV.Set("a", "old"))
	a, err := s.KV.Get("a")
	s.Require().NoError(err)

	_, err = s.KV.Batch([]kv.Op{
		{Key: "a", Data: []byte("new"), Index: a.Index},
		{Key: "b", Data: []byte("x"), Index: 42},
	})
	s.True(kv.IsConflict(err), "one bad op should fail the batch: ", err)

	after, err := s.KV.Get("a")
	s.Require().NoError(err)
	s.Equal("old", string(after.Data), "failed batch should write nothing")
	s.Equal(a.Index, after.Index)

	_, err = s.KV.Get("b")
	s.True(s.KV.IsKeyNotFound(err))
}

func (s *BoltSuite) TestBatchDelete() {
	idx, err := s.KV.Update("doomed", kv.Value{Data: []byte("v"), Index: 0})
	s.Require().NoError(err)

	_, err = s.KV.Batch([]kv.Op{{Key: "doomed", Index: idx, Delete: true}})
	s.Require().NoError(err)
	_, err = s.KV.Get("doomed")
	s.True(s.KV.IsKeyNotFound(err))
}

func (s *BoltSuite) TestKeys() {
	s.Require().NoError(s.KV.Set("vms/a/metadata", "{}"))
	s.Require().NoError(s.KV.Set("vms/a/heartbeat", "x"))
	s.Require().NoError(s.KV.Set("vms/b/metadata", "{}"))
	s.Require().NoError(s.KV.Set("hosts/c/metadata", "{}"))

	keys, err := s.KV.Keys("vms")
	s.Require().NoError(err)
	s.Equal([]string{"vms/a", "vms/b"}, keys, "keys should be one level deep, sorted, deduped")
}

func (s *BoltSuite) TestGetAll() {
	s.Require().NoError(s.KV.Set("vms/a", "1"))
	s.Require().NoError(s.KV.Set("vms/b", "2"))
	s.Require().NoError(s.KV.Set("hosts/c", "3"))

	all, err := s.KV.GetAll("vms/")
	s.Require().NoError(err)
	s.Len(all, 2)
	s.Equal("1", string(all["vms/a"].Data))
	s.Equal("2", string(all["vms/b"].Data))
}

func (s *BoltSuite) TestDeleteRecursive() {
	s.Require().NoError(s.KV.Set("tree/a", "1"))
	s.Require().NoError(s.KV.Set("tree/b", "2"))
	s.Require().NoError(s.KV.Set("other", "3"))

	err := s.KV.Delete("missing", false)
	s.True(s.KV.IsKeyNotFound(err))

	s.Require().NoError(s.KV.Delete("tree/", true))
	_, err = s.KV.Get("tree/a")
	s.True(s.KV.IsKeyNotFound(err))
	_, err = s.KV.Get("other")
	s.NoError(err, "siblings should survive a recursive delete")
}

func (s *BoltSuite) TestTTL() {
	s.Require().NoError(s.KV.TTL("heartbeat", 100*time.Millisecond))
	_, err := s.KV.Get("heartbeat")
	s.Require().NoError(err)

	time.Sleep(200 * time.Millisecond)
	_, err = s.KV.Get("heartbeat")
	s.True(s.KV.IsKeyNotFound(err), "expired key should read as missing: ", err)

	time.Sleep(1500 * time.Millisecond)
	all, err := s.KV.GetAll("heartbeat")
	s.Require().NoError(err)
	s.Empty(all, "reaper should have removed the expired row")
}

func (s *BoltSuite) nextEvent(events chan kv.Event) kv.Event {
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		s.FailNow("timed out waiting for watch event")
		return kv.Event{}
	}
}

func (s *BoltSuite) TestWatch() {
	stop := make(chan struct{})
	defer close(stop)

	events, _, err := s.KV.Watch("vms/", 0, stop)
	s.Require().NoError(err)

	s.Require().NoError(s.KV.Set("vms/a", "1"))
	ev := s.nextEvent(events)
	s.Equal("vms/a", ev.Key)
	s.Equal(kv.Create, ev.Type)
	s.Equal("1", string(ev.Data))

	s.Require().NoError(s.KV.Set("hosts/x", "noise"))
	s.Require().NoError(s.KV.Set("vms/a", "2"))
	ev = s.nextEvent(events)
	s.Equal("vms/a", ev.Key, "events outside the prefix should be filtered")
	s.Equal(kv.Update, ev.Type)

	s.Require().NoError(s.KV.Delete("vms/a", false))
	ev = s.nextEvent(events)
	s.Equal(kv.Delete, ev.Type)
}

func (s *BoltSuite) TestWatchReplay() {
	s.Require().NoError(s.KV.Set("vms/a", "1"))
	s.Require().NoError(s.KV.Set("vms/b", "2"))

	stop := make(chan struct{})
	defer close(stop)

	events, _, err := s.KV.Watch("vms/", 0, stop)
	s.Require().NoError(err)

	first := s.nextEvent(events)
	second := s.nextEvent(events)
	s.Equal("vms/a", first.Key)
	s.Equal("vms/b", second.Key)
	s.Less(first.Index, second.Index, "replay should come in revision order")
}

func (s *BoltSuite) TestPing() {
	s.NoError(s.KV.Ping())
}
