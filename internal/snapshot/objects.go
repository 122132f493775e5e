package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/minio/minio-go/v7"

	"github.com/example/treedoc/internal/storage"
)

// ObjectLoader reads snapshot objects from MinIO/S3.
type ObjectLoader struct {
	object *minio.Client
}

// NewObjectLoader creates a loader backed by MinIO/S3.
func NewObjectLoader(object *minio.Client) *ObjectLoader {
	return &ObjectLoader{object: object}
}

// Load implements Loader. A missing object is reported as storage.ErrNotFound.
func (l *ObjectLoader) Load(ctx context.Context, bucket, objectPath string) ([]byte, error) {
	if l.object == nil {
		return nil, fmt.Errorf("object storage client is not configured")
	}

	obj, err := l.object.GetObject(ctx, bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapObjectError(objectPath, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapObjectError(objectPath, err)
	}
	return data, nil
}

func mapObjectError(objectPath string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("snapshot %s: %w", objectPath, storage.ErrNotFound)
	}
	return err
}

// MemoryStore keeps snapshot objects in process memory. It serves as both the
// upload target and the loader in tests and single-node setups.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// PutObject implements ObjectPutter.
func (m *MemoryStore) PutObject(_ context.Context, _, objectName string, reader io.Reader, _ int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	m.Put(objectName, data)
	return minio.UploadInfo{Key: objectName, Size: int64(len(data))}, nil
}

// Put stores data under objectPath.
func (m *MemoryStore) Put(objectPath string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[objectPath] = bytes.Clone(data)
}

// Load implements Loader.
func (m *MemoryStore) Load(_ context.Context, _, objectPath string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[objectPath]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", objectPath, storage.ErrNotFound)
	}
	return bytes.Clone(data), nil
}

// Paths lists the stored object paths.
func (m *MemoryStore) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	paths := make([]string, 0, len(m.objects))
	for p := range m.objects {
		paths = append(paths, p)
	}
	return paths
}
