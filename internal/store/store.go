// Package store provides per-user object storage behind a single interface
// with two interchangeable backends: a remote S3-compatible store and an
// in-memory local store used for tests and single-node deployments.
//
// Keys follow the compat-sensitive layout
//
//	users/{user}/{uploads|generated}/{epoch_seconds}_{8-hex-uid}_{safe_filename}
//
// and every operation checks that the caller owns the key it touches.
package store

import (
	"context"
	"errors"
	"time"
)

// Source values recorded in object tags and baked into the key prefix.
const (
	SourceUser = "user" // client-uploaded files → users/{u}/uploads/
	SourceTool = "tool" // tool-generated artifacts → users/{u}/generated/
)

var (
	// ErrNotFound indicates the key does not exist for the given user.
	ErrNotFound = errors.New("store: object not found")
	// ErrForbidden indicates the caller does not own the key.
	ErrForbidden = errors.New("store: access denied")
	// ErrInvalidKey indicates the key failed validation.
	ErrInvalidKey = errors.New("store: invalid key")
)

// ObjectInfo is the metadata of a stored object.
type ObjectInfo struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	ContentType  string            `json:"content_type"`
	LastModified time.Time         `json:"last_modified"`
	ETag         string            `json:"etag"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// Object is a stored object together with its bytes.
type Object struct {
	ObjectInfo
	Data []byte
}

// Stats aggregates a user's stored objects.
type Stats struct {
	Count     int   `json:"count"`
	TotalSize int64 `json:"total_size"`
	Uploads   int   `json:"uploads"`
	Generated int   `json:"generated"`
}

// ObjectStore is the per-user storage surface. Implementations enforce that
// the caller's user matches the key's user segment; capability-token-gated
// downloads are authorized at the HTTP edge, not here.
type ObjectStore interface {
	// Upload stores data under a freshly built key for user and returns the
	// object metadata. source selects the uploads/ or generated/ segment.
	Upload(ctx context.Context, user, filename string, data []byte, contentType string, tags map[string]string, source string) (ObjectInfo, error)

	// Get fetches an object by key. ErrNotFound if absent, ErrForbidden if
	// the key belongs to another user.
	Get(ctx context.Context, user, key string) (*Object, error)

	// List returns metadata for the user's objects, optionally filtered by a
	// substring of the safe filename.
	List(ctx context.Context, user, filter string) ([]ObjectInfo, error)

	// Delete removes an object. Returns false when the key did not exist.
	Delete(ctx context.Context, user, key string) (bool, error)

	// Stats aggregates counts and total size for the user.
	Stats(ctx context.Context, user string) (Stats, error)
}
