// Package filestore keeps uploaded document blobs. Keys are generated here and
// never derived from client input beyond the file extension.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"mime"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrNotFound        = errors.New("file not found")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file too large")
	ErrInvalidKey      = errors.New("invalid file key")
)

// DefaultMaxBytes is the upload ceiling when none is configured.
const DefaultMaxBytes int64 = 50 * 1024 * 1024

// Upload is an incoming blob as described by the client.
type Upload struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Object describes a stored blob.
type Object struct {
	Key      string
	Name     string
	Size     int64
	MimeType string
}

type Store interface {
	Save(ctx context.Context, upload Upload) (Object, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// ResolveType returns the normalized MIME type of an upload, falling back to
// the file extension when the client sent none or a generic one.
func ResolveType(name, contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType == "" || mediaType == "application/octet-stream" {
		mediaType, _, _ = mime.ParseMediaType(mime.TypeByExtension(strings.ToLower(filepath.Ext(name))))
	}
	return strings.ToLower(mediaType)
}

// Allowed reports whether mimeType is an accepted document or image type.
func Allowed(mimeType string) bool {
	switch mimeType {
	case "application/pdf",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.ms-excel",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.ms-powerpoint",
		"application/vnd.openxmlformats-officedocument.presentationml.presentation",
		"text/plain",
		"text/csv",
		"image/jpeg",
		"image/png",
		"image/gif":
		return true
	}
	return false
}

// Validate checks type and declared size before anything is written.
func Validate(upload Upload, maxBytes int64) (string, error) {
	mimeType := ResolveType(upload.Name, upload.ContentType)
	if !Allowed(mimeType) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
	}
	if maxBytes > 0 && upload.Size > maxBytes {
		return "", ErrTooLarge
	}
	return mimeType, nil
}

// NewKey builds a collision-resistant storage name: unix millis, a random
// suffix, and the original extension.
func NewKey(name string) string {
	return fmt.Sprintf("%d-%d%s", time.Now().UnixMilli(), rand.Int64N(1_000_000_000), strings.ToLower(filepath.Ext(name)))
}

func checkKey(key string) error {
	if key == "" || key != filepath.Base(key) || strings.HasPrefix(key, ".") {
		return ErrInvalidKey
	}
	return nil
}

// limitedReader fails with ErrTooLarge once more than max bytes were read.
type limitedReader struct {
	r   io.Reader
	n   int64
	max int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.n += int64(n)
	if l.max > 0 && l.n > l.max {
		return n, ErrTooLarge
	}
	return n, err
}
