package store

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
)

// LocalStore is an in-memory ObjectStore. It shares the key construction and
// ownership checks with the S3 backend, which makes it a faithful stand-in
// for tests and single-node runs without object-store credentials.
type LocalStore struct {
	mu      sync.RWMutex
	objects map[string]*Object
}

// NewLocalStore creates an empty LocalStore.
func NewLocalStore() *LocalStore {
	return &LocalStore{objects: make(map[string]*Object)}
}

// Upload stores data under a freshly built key.
func (s *LocalStore) Upload(_ context.Context, user, filename string, data []byte, contentType string, tags map[string]string, source string) (ObjectInfo, error) {
	key := BuildKey(user, filename, source)
	if err := ValidateKey(key); err != nil {
		return ObjectInfo{}, err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	merged := map[string]string{"source": source}
	for k, v := range tags {
		merged[k] = v
	}
	sum := md5.Sum(data)
	info := ObjectInfo{
		Key:          key,
		Size:         int64(len(data)),
		ContentType:  contentType,
		LastModified: time.Now().UTC(),
		ETag:         hex.EncodeToString(sum[:]),
		Tags:         merged,
	}

	body := make([]byte, len(data))
	copy(body, data)

	s.mu.Lock()
	s.objects[key] = &Object{ObjectInfo: info, Data: body}
	s.mu.Unlock()
	return info, nil
}

// Get fetches an object by key, enforcing ownership.
func (s *LocalStore) Get(_ context.Context, user, key string) (*Object, error) {
	if err := checkOwnership(user, key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	data := make([]byte, len(obj.Data))
	copy(data, obj.Data)
	cp := *obj
	cp.Data = data
	return &cp, nil
}

// List returns the user's objects sorted by key, optionally filtered by a
// filename substring.
func (s *LocalStore) List(_ context.Context, user, filter string) ([]ObjectInfo, error) {
	prefix := "users/" + user + "/"

	s.mu.RLock()
	var out []ObjectInfo
	for key, obj := range s.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if filter != "" && !strings.Contains(KeyFilename(key), filter) {
			continue
		}
		out = append(out, obj.ObjectInfo)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Delete removes an object. Returns false when the key did not exist.
func (s *LocalStore) Delete(_ context.Context, user, key string) (bool, error) {
	if err := checkOwnership(user, key); err != nil {
		return false, err
	}
	s.mu.Lock()
	_, ok := s.objects[key]
	delete(s.objects, key)
	s.mu.Unlock()
	return ok, nil
}

// Stats aggregates the user's objects.
func (s *LocalStore) Stats(ctx context.Context, user string) (Stats, error) {
	infos, err := s.List(ctx, user, "")
	if err != nil {
		return Stats{}, err
	}
	return aggregate(infos), nil
}

// aggregate folds object metadata into Stats. Shared with the S3 backend.
func aggregate(infos []ObjectInfo) Stats {
	var st Stats
	for _, info := range infos {
		st.Count++
		st.TotalSize += info.Size
		if strings.Contains(info.Key, "/generated/") {
			st.Generated++
		} else {
			st.Uploads++
		}
	}
	return st
}
