package models

import "time"

// TimedLock is a mutex whose acquisition can give up after a timeout.
// Unlock on an unlocked TimedLock is a no-op.
type TimedLock struct {
	ch chan struct{}
}

func NewTimedLock() *TimedLock {
	return &TimedLock{ch: make(chan struct{}, 1)}
}

func (l *TimedLock) TryLock(timeout time.Duration) bool {
	select {
	case l.ch <- struct{}{}:
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case l.ch <- struct{}{}:
		return true
	case <-t.C:
		return false
	}
}

func (l *TimedLock) Unlock() {
	select {
	case <-l.ch:
	default:
	}
}
