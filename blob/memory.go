package blob

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"

	"cloudcollab/store"
)

type memObject struct {
	data        []byte
	contentType string
}

// Memory keeps objects in process and serves them over HTTP under baseURL.
// It backs development runs and tests.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memObject
	baseURL string
}

var _ Store = (*Memory)(nil)

func NewMemory(baseURL string) *Memory {
	return &Memory{objects: make(map[string]memObject), baseURL: strings.TrimRight(baseURL, "/")}
}

func (m *Memory) Upload(ctx context.Context, key string, r io.Reader, opt PutOptions) (Object, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Object{}, err
	}
	m.mu.Lock()
	m.objects[key] = memObject{data: data, contentType: opt.ContentType}
	m.mu.Unlock()
	return Object{Key: key, Size: int64(len(data)), ContentType: opt.ContentType}, nil
}

func (m *Memory) URL(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return "", store.ErrNotFound
	}
	return m.baseURL + "/" + key, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the stored bytes.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return bytes.Clone(obj.data), true
}

// ServeHTTP serves GET {prefix}/{key}; mount it with http.StripPrefix.
func (m *Memory) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/")
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	if obj.contentType != "" {
		w.Header().Set("Content-Type", obj.contentType)
	}
	w.Write(obj.data)
}
