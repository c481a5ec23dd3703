// Package blobstore archives generated artefacts (compliance reports) to
// object storage. S3Store is the production backend; MemoryStore backs tests
// and local development.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrEmptyKey       = errors.New("object key is required")
)

type Object struct {
	Key         string            `json:"key"`
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
	SHA256      string            `json:"sha256"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	StoredAt    time.Time         `json:"stored_at"`
	Location    string            `json:"location"`
}

type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte, meta map[string]string) (*Object, error)
	Get(ctx context.Context, key string) ([]byte, *Object, error)
	List(ctx context.Context, prefix string) ([]*Object, error)
}

func describe(key, contentType string, data []byte, meta map[string]string) *Object {
	return &Object{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		SHA256:      fmt.Sprintf("%x", sha256.Sum256(data)),
		Metadata:    meta,
		StoredAt:    time.Now().UTC(),
	}
}

// -- In-memory --

type storedObject struct {
	obj  Object
	data []byte
}

type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*storedObject
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*storedObject)}
}

func (s *MemoryStore) Put(_ context.Context, key, contentType string, data []byte, meta map[string]string) (*Object, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	obj := describe(key, contentType, data, meta)
	obj.Location = "mem://" + key

	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	s.objects[key] = &storedObject{obj: *obj, data: buf}
	s.mu.Unlock()
	return obj, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, *Object, error) {
	s.mu.RLock()
	o, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrObjectNotFound
	}
	data, _ := io.ReadAll(bytes.NewReader(o.data))
	obj := o.obj
	return data, &obj, nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]*Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Object
	for k, o := range s.objects {
		if strings.HasPrefix(k, prefix) {
			obj := o.obj
			out = append(out, &obj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
