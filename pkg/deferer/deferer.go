// Package deferer collects cleanup functions that must run even on
// paths that end the process, where ordinary defers never fire.
package deferer

import (
	"fmt"
	"path/filepath"
	"runtime"

	log "github.com/sirupsen/logrus"
)

// Deferer is a manual defer stack. Stacks nest: a child created with a
// parent unwinds the parent's cleanups too when the process is about to
// die.
type Deferer struct {
	parent  *Deferer
	cleanup []func()
	done    bool
}

// NewDeferer creates a stack. parent may be nil.
func NewDeferer(parent *Deferer) *Deferer {
	return &Deferer{parent: parent}
}

// Defer pushes a cleanup function
func (d *Deferer) Defer(fn func()) {
	d.cleanup = append(d.cleanup, fn)
}

// Run executes the pushed cleanups newest first. Running twice is a
// no-op, so `defer d.Run()` composes with an explicit call on a failure
// path.
func (d *Deferer) Run() {
	if d.done {
		return
	}
	d.done = true
	for i := len(d.cleanup) - 1; i >= 0; i-- {
		d.cleanup[i]()
	}
}

// Fatal unwinds this stack and every parent, then logs fatally with the
// caller's position prefixed
func (d *Deferer) Fatal(v ...interface{}) {
	d.unwind()
	if file, line, ok := caller(); ok {
		v = append([]interface{}{fmt.Sprintf("%s:%d: ", file, line)}, v...)
	}
	log.Fatal(v...)
}

// FatalWithFields is Fatal with structured fields attached
func (d *Deferer) FatalWithFields(fields log.Fields, v ...interface{}) {
	d.unwind()
	if file, line, ok := caller(); ok {
		fields["file"] = file
		fields["line"] = line
	}
	log.WithFields(fields).Fatal(v...)
}

func (d *Deferer) unwind() {
	for s := d; s != nil; s = s.parent {
		s.Run()
	}
}

func caller() (string, int, bool) {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "", 0, false
	}
	return filepath.Base(file), line, true
}
