package store

import (
	"context"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// flockRetry is how long acquire sleeps between non-blocking attempts.
// Small enough that contended CLI calls feel instant, large enough to not
// spin while another process holds a long compaction.
const flockRetry = 10 * time.Millisecond

type fileLock struct {
	f *os.File
}

// acquire takes an exclusive advisory lock on path, polling with LOCK_NB
// until the deadline so a stuck peer never blocks us forever.
func acquire(ctx context.Context, path string, timeout time.Duration) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &fileLock{f: f}, nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
			_ = f.Close()
			return nil, err
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-time.After(flockRetry):
		}
	}
}

func (l *fileLock) release() {
	if l == nil || l.f == nil {
		return
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	_ = l.f.Close()
	l.f = nil
}
