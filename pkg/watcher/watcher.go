// Package watcher multiplexes kv prefix watches into a single
// iterator-style event stream.
package watcher

import (
	"errors"
	"sync"

	"github.com/mistifyio/selkie/pkg/kv"
)

var ErrPrefixNotWatched = errors.New("prefix is not being watched")
var ErrStopped = errors.New("watcher has been stopped")

// Watcher folds the event channels of any number of prefix watches
// into one stream consumed with Next/Event
type Watcher struct {
	store  kv.KV
	events chan kv.Event
	errs   chan error
	err    error
	event  kv.Event

	mu       sync.Mutex // mu protects the following two vars
	isClosed bool
	prefixes map[string]chan struct{}
}

func New(store kv.KV) (*Watcher, error) {
	w := &Watcher{
		store:    store,
		events:   make(chan kv.Event),
		errs:     make(chan error),
		prefixes: map[string]chan struct{}{},
	}
	return w, nil
}

// Add starts watching a prefix. Adding a prefix twice is a no-op.
func (w *Watcher) Add(prefix string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isClosed {
		return ErrStopped
	}

	if _, ok := w.prefixes[prefix]; ok {
		return nil
	}

	stop := make(chan struct{})
	events, errs, err := w.store.Watch(prefix, 0, stop)
	if err != nil {
		return err
	}

	w.prefixes[prefix] = stop
	go w.pump(events, errs, stop)
	return nil
}

// Next blocks until an event or an error arrives. It returns true for
// an event, retrievable with Event, and false for an error,
// retrievable with Err.
func (w *Watcher) Next() bool {
	select {
	case event := <-w.events:
		w.event = event
		return true
	case err := <-w.errs:
		w.err = err
		return false
	}
}

func (w *Watcher) Event() kv.Event {
	return w.event
}

func (w *Watcher) Err() error {
	return w.err
}

// Remove stops watching a prefix
func (w *Watcher) Remove(prefix string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	stop, ok := w.prefixes[prefix]
	if !ok {
		return ErrPrefixNotWatched
	}

	close(stop)
	delete(w.prefixes, prefix)
	return nil
}

// Close stops every prefix watch
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.isClosed = true

	for prefix, stop := range w.prefixes {
		close(stop)
		delete(w.prefixes, prefix)
	}

	return nil
}

func (w *Watcher) pump(events chan kv.Event, errs chan error, stop chan struct{}) {
	for {
		select {
		case event := <-events:
			select {
			case w.events <- event:
			case <-stop:
				return
			}
		case err := <-errs:
			select {
			case w.errs <- err:
			case <-stop:
			}
			return
		case <-stop:
			return
		}
	}
}
