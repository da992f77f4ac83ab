// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package txn

import (
	"context"
	"sync"
	"time"

	"github.com/molecula/quadstore/errors"
)

// writerSlot admits one writer at a time. Waiters are served in arrival
// order; the slot is handed directly from the releasing writer to the next
// waiter.
type writerSlot struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// acquire waits for the slot. A zero timeout waits until ctx is done.
func (s *writerSlot) acquire(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	if !s.held && len(s.waiters) == 0 {
		s.held = true
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return s.cancel(ch, ctx.Err())
	case <-expired:
		return s.cancel(ch, errors.Newf(errors.ErrWriterTimeout, "no writer slot after %s", timeout))
	}
}

// cancel withdraws a waiter. If the slot was handed over concurrently it is
// passed on instead.
func (s *writerSlot) cancel(ch chan struct{}, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.waiters {
		if w == ch {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return err
		}
	}
	s.releaseLocked()
	return err
}

func (s *writerSlot) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
}

func (s *writerSlot) releaseLocked() {
	if len(s.waiters) == 0 {
		s.held = false
		return
	}
	ch := s.waiters[0]
	s.waiters = s.waiters[1:]
	close(ch)
}

// waiting returns the number of queued writers.
func (s *writerSlot) waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}
