// Copyright 2025 Chris Watkins
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package runlock provides a PID-file advisory lock that keeps
// scheduled invocations of this program from overlapping.
//
// The lock is advisory only: it does not protect the lock path across
// machines on a shared filesystem, nor against other clients mutating
// the same mailbox or database rows.
package runlock

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Outcome describes the result of an Acquire attempt.
type Outcome int

const (
	// Acquired means no lock existed and this process now holds it.
	Acquired Outcome = iota

	// HeldByOther means a live process holds the lock. Callers
	// should exit cleanly without doing any work; this is a normal
	// "already running" outcome, not an error.
	HeldByOther

	// ReclaimedStale means a lock file left behind by a dead
	// process was removed, and this process now holds the lock.
	ReclaimedStale
)

// Lock is a single-slot lock keyed by a well-known file path whose
// content is the decimal PID of the holder.
type Lock struct {
	Path string

	log *logrus.Logger
}

// New returns a lock over the given path.
func New(path string, log *logrus.Logger) *Lock {
	return &Lock{Path: path, log: log}
}

// Acquire takes the lock for the current process. A lock file whose
// recorded PID is no longer running, or whose content cannot be read,
// is removed and replaced. Acquire does not loop: after one reclaim
// attempt the lock file is written unconditionally.
func (l *Lock) Acquire() (Outcome, error) {
	outcome := Acquired
	if _, err := os.Stat(l.Path); err == nil {
		pid, err := l.readHolder()
		switch {
		case err != nil:
			l.log.WithError(err).Error("error reading lock file, removing")
			os.Remove(l.Path)
			outcome = ReclaimedStale
		case pidAlive(pid):
			l.log.WithField("pid", pid).Info("lock file exists and process is active, exiting")
			return HeldByOther, nil
		default:
			l.log.WithField("pid", pid).Warn("stale lock file found, removing")
			os.Remove(l.Path)
			outcome = ReclaimedStale
		}
	}
	pid := os.Getpid()
	if err := os.WriteFile(l.Path, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return outcome, errors.Wrapf(err, "creating lock file %q", l.Path)
	}
	l.log.WithField("pid", pid).Info("created lock file")
	return outcome, nil
}

// Release removes the lock file. Releasing an already absent lock is
// not an error.
func (l *Lock) Release() error {
	err := os.Remove(l.Path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing lock file %q", l.Path)
	}
	if err == nil {
		l.log.Info("removed lock file")
	}
	return nil
}

func (l *Lock) readHolder() (int, error) {
	b, err := os.ReadFile(l.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, errors.Wrapf(err, "lock file %q does not contain a pid", l.Path)
	}
	return pid, nil
}

// pidAlive reports whether a process with the given PID exists.
// Signal 0 checks existence without delivering anything; EPERM still
// means the process is there, just owned by someone else.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
