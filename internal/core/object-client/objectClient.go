package objectclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/markdave123-py/docbot/internal/core"
)

// MemoryClient keeps objects in a map. Presigned URLs point at a fake host and
// objects are placed with Put, which stands in for the browser's direct PUT.
type MemoryClient struct {
	mu      sync.Mutex
	objects map[string]memObject
	deleted []string
}

type memObject struct {
	data        []byte
	contentType string
}

var _ core.ObjectClient = (*MemoryClient)(nil)

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{objects: make(map[string]memObject)}
}

func (m *MemoryClient) Put(key string, data []byte, contentType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: append([]byte(nil), data...), contentType: contentType}
}

func (m *MemoryClient) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

// Deleted lists keys passed to DeleteFile, in call order.
func (m *MemoryClient) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

func (m *MemoryClient) PresignUpload(_ context.Context, key, _ string, _ int64, ttl time.Duration) (string, error) {
	return fmt.Sprintf("memory://objects/%s?expires=%d", key, int(ttl.Seconds())), nil
}

func (m *MemoryClient) StatObject(_ context.Context, key string) (*core.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, core.ErrObjectNotFound
	}
	return &core.ObjectInfo{Size: int64(len(obj.data)), ContentType: obj.contentType}, nil
}

func (m *MemoryClient) UploadFile(_ context.Context, key string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("read upload: %w", err)
	}
	m.Put(key, b, contentType)
	return nil
}

func (m *MemoryClient) GetFile(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, core.ErrObjectNotFound
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *MemoryClient) GetObjectReader(ctx context.Context, key string) (io.ReadCloser, error) {
	b, err := m.GetFile(ctx, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *MemoryClient) DeleteFile(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}
