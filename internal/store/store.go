package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "taskmill/pkg/logx"
)

const (
	lockFile        = ".lock"
	blobDir         = "blobs"
	defaultLockWait = 5 * time.Second
)

type Options struct {
	// LockTimeout bounds how long a mutation waits for the advisory lock.
	// Zero means the default (5s).
	LockTimeout time.Duration
	Codec       Codec
	Log         logx.Logger
}

// Store is a directory of named records plus a blob area.
// It is safe for use from multiple goroutines and multiple processes.
type Store struct {
	dir         string
	lockPath    string
	lockTimeout time.Duration
	codec       Codec
	log         logx.Logger
}

func Open(dir string, opts Options) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("store: dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dir, blobDir), 0o755); err != nil {
		return nil, err
	}

	lt := opts.LockTimeout
	if lt <= 0 {
		lt = defaultLockWait
	}
	codec := opts.Codec
	if codec == nil {
		codec = JSONCodec{}
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	return &Store{
		dir:         dir,
		lockPath:    filepath.Join(dir, lockFile),
		lockTimeout: lt,
		codec:       codec,
		log:         log,
	}, nil
}

func (s *Store) Dir() string  { return s.dir }
func (s *Store) Codec() Codec { return s.codec }

// Read decodes the named record into v. Returns ErrNotFound if the record
// does not exist, or a corrupt-record error if it fails to decode.
func (s *Store) Read(record string, v any) error {
	b, err := os.ReadFile(filepath.Join(s.dir, record))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	if err := s.codec.Decode(b, v); err != nil {
		return Corrupt(record, err)
	}
	return nil
}

// Update runs one exclusive read-modify-write cycle on the named record.
//
// fn receives the current raw bytes (nil if the record does not exist yet)
// and returns the full replacement bytes. Returning (nil, nil) commits
// nothing. Any error from fn aborts the cycle and is returned unchanged, so
// corrupt-record errors surface to the caller rather than being papered over.
func (s *Store) Update(ctx context.Context, record string, fn func(raw []byte) ([]byte, error)) error {
	lk, err := acquire(ctx, s.lockPath, s.lockTimeout)
	if err != nil {
		return err
	}
	defer lk.release()

	path := filepath.Join(s.dir, record)
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		raw = nil
	}

	out, err := fn(raw)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return atomicWrite(path, out)
}

// WriteBlob replaces the named blob whole, via temp file + rename.
func (s *Store) WriteBlob(name string, data []byte) error {
	return atomicWrite(filepath.Join(s.dir, blobDir, name), data)
}

func (s *Store) ReadBlob(name string) ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, blobDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return b, nil
}

func (s *Store) RemoveBlob(name string) error {
	err := os.Remove(filepath.Join(s.dir, blobDir, name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// atomicWrite writes data next to path and renames it into place, so a
// concurrent reader sees either the old bytes or the new bytes, never a mix.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
