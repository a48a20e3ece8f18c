package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Local stores blobs as flat files under one directory.
type Local struct {
	dir      string
	maxBytes int64
}

func NewLocal(dir string, maxBytes int64) (*Local, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Local{dir: dir, maxBytes: maxBytes}, nil
}

func (l *Local) Save(ctx context.Context, upload Upload) (Object, error) {
	mimeType, err := Validate(upload, l.maxBytes)
	if err != nil {
		return Object{}, err
	}

	key := NewKey(upload.Name)
	path := filepath.Join(l.dir, key)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return Object{}, fmt.Errorf("create blob: %w", err)
	}

	written, copyErr := io.Copy(file, &limitedReader{r: upload.Body, max: l.maxBytes})
	closeErr := file.Close()
	if copyErr == nil {
		copyErr = ctx.Err()
	}
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(path)
		if errors.Is(copyErr, ErrTooLarge) {
			return Object{}, ErrTooLarge
		}
		if copyErr == nil {
			copyErr = closeErr
		}
		return Object{}, fmt.Errorf("write blob: %w", copyErr)
	}

	return Object{Key: key, Name: upload.Name, Size: written, MimeType: mimeType}, nil
}

func (l *Local) Open(_ context.Context, key string) (io.ReadCloser, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	file, err := os.Open(filepath.Join(l.dir, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return file, nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(l.dir, key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}
