package watcher_test

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mistifyio/selkie/pkg/kv"
	_ "github.com/mistifyio/selkie/pkg/kv/bolt"
	"github.com/mistifyio/selkie/pkg/watcher"
	"github.com/pborman/uuid"
	"github.com/stretchr/testify/suite"
)

func TestWatcher(t *testing.T) {
	suite.Run(t, new(WatcherSuite))
}

type WatcherSuite struct {
	suite.Suite
	Store   kv.KV
	Watcher *watcher.Watcher
}

func (s *WatcherSuite) SetupTest() {
	store, err := kv.New("file://" + filepath.Join(s.T().TempDir(), "store.db"))
	s.Require().NoError(err)
	s.Store = store

	s.Watcher, err = watcher.New(store)
	s.Require().NoError(err)
}

func (s *WatcherSuite) TearDownTest() {
	s.NoError(s.Watcher.Close())
	s.NoError(s.Store.Close())
}

func (s *WatcherSuite) TestAdd() {
	tests := []struct {
		description string
		prefix      string
	}{
		{"empty", ""},
		{"plain", uuid.New()},
		{"duplicate", "addTest"},
		{"duplicate again", "addTest"},
		{"nested", "nested/" + uuid.New()},
	}
	for _, test := range tests {
		s.NoError(s.Watcher.Add(test.prefix), test.description)
	}

	s.NoError(s.Watcher.Close())
	s.Error(s.Watcher.Add(uuid.New()), "after close should fail")
}

func (s *WatcherSuite) TestNextEvent() {
	prefixes := make([]string, 3)
	for i := range prefixes {
		prefixes[i] = uuid.New()
		s.Require().NoError(s.Watcher.Add(prefixes[i]))
	}

	expected := len(prefixes) * len(prefixes)
	go func() {
		for i := 0; i < len(prefixes); i++ {
			for _, prefix := range prefixes {
				_ = s.Store.Set(prefix+"/subkey", fmt.Sprintf("%d", i))
			}
		}
	}()

	seen := 0
	timeout := time.After(5 * time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for seen < expected && s.Watcher.Next() {
			s.NoError(s.Watcher.Err())
			event := s.Watcher.Event()
			s.NotEmpty(event.Key)
			s.Equal(event, s.Watcher.Event(), "event should only change after Next()")
			seen++
		}
	}()

	select {
	case <-done:
		s.Equal(expected, seen)
	case <-timeout:
		s.FailNow("timed out waiting for events")
	}
}

func (s *WatcherSuite) TestRemove() {
	prefix := uuid.New()
	s.Error(s.Watcher.Remove(prefix), "not watched prefix should fail")
	s.NoError(s.Watcher.Add(prefix))
	s.NoError(s.Watcher.Remove(prefix))
}

func (s *WatcherSuite) TestClose() {
	s.NoError(s.Watcher.Add(uuid.New()))
	s.NoError(s.Watcher.Close())
	s.NoError(s.Watcher.Close())
}
