// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package quadstore

import (
	"bytes"
	"os"
	"strconv"

	"github.com/molecula/quadstore/errors"
	"github.com/molecula/quadstore/logger"
	"github.com/molecula/quadstore/syswrap"
	"github.com/shirou/gopsutil/v3/process"
)

// locationLock keeps a second process from opening a location. It holds an
// flock on the lock file, which also records the owner's PID so that a lock
// left by a dead process on a filesystem without working flock is taken
// over rather than blocking forever.
type locationLock struct {
	path string
	f    *os.File
}

func acquireLock(path string, log logger.Logger) (*locationLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.IOError(err, "open lock file")
	}

	if err := syswrap.Flock(f); err == syswrap.ErrWouldBlock {
		f.Close()
		return nil, errors.Newf(errors.ErrLocationLocked, "%s: held by another process", path)
	} else if err != nil {
		f.Close()
		return nil, errors.IOError(err, "lock location")
	}

	// The flock is ours; a recorded PID is either ours from an earlier open
	// in this process, or a live process that could not flock.
	if pid, ok := readPID(f); ok && pid != os.Getpid() {
		alive, err := process.PidExists(int32(pid))
		if err != nil {
			log.Warnf("checking lock owner %d: %v", pid, err)
		} else if alive {
			syswrap.Funlock(f)
			f.Close()
			return nil, errors.Newf(errors.ErrLocationLocked, "%s: held by process %d", path, pid)
		}
		log.Warnf("taking over stale lock of process %d", pid)
	}

	if err := writePID(f, os.Getpid()); err != nil {
		syswrap.Funlock(f)
		f.Close()
		return nil, err
	}
	return &locationLock{path: path, f: f}, nil
}

func readPID(f *os.File) (int, bool) {
	buf := make([]byte, 32)
	n, _ := f.ReadAt(buf, 0)
	pid, err := strconv.Atoi(string(bytes.TrimSpace(buf[:n])))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func writePID(f *os.File, pid int) error {
	if err := f.Truncate(0); err != nil {
		return errors.IOError(err, "truncate lock file")
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(pid)+"\n"), 0); err != nil {
		return errors.IOError(err, "write lock file")
	}
	return nil
}

// release clears the PID and drops the flock. The file itself stays.
func (l *locationLock) release() error {
	if err := l.f.Truncate(0); err != nil {
		l.f.Close()
		return errors.IOError(err, "truncate lock file")
	}
	syswrap.Funlock(l.f)
	if err := l.f.Close(); err != nil {
		return errors.IOError(err, "close lock file")
	}
	return nil
}
