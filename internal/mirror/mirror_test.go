package mirror

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu       sync.Mutex
	buckets  map[string]bool
	objects  map[string]string
	made     int
	failPuts bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{buckets: map[string]bool{}, objects: map[string]string{}}
}

func (f *fakeStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buckets[bucket], nil
}

func (f *fakeStore) MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[bucket] = true
	f.made++
	return nil
}

func (f *fakeStore) FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.failPuts {
		return minio.UploadInfo{}, errors.New("access denied")
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+object] = string(data)
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: int64(len(data))}, nil
}

func (f *fakeStore) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func buildTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src", "screens"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "build_manifest.json"), []byte(`{}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "screens", "Home.tsx"), []byte("home"), 0o644))
	return dir
}

func TestPublishUploadsTree(t *testing.T) {
	store := newFakeStore()
	p := newPublisher(store, "factory", "/builds/", "", nil)
	dir := buildTree(t)

	res, err := p.Publish(context.Background(), dir, "01_sleep__idea-1/abcd")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Objects)
	assert.Equal(t, "builds/01_sleep__idea-1/abcd", res.Prefix)
	assert.Equal(t, []string{
		"factory/builds/01_sleep__idea-1/abcd/build_manifest.json",
		"factory/builds/01_sleep__idea-1/abcd/src/screens/Home.tsx",
	}, store.keys())

	_, err = p.Publish(context.Background(), dir, "other")
	require.NoError(t, err)
	assert.Equal(t, 1, store.made)
}

func TestPublishReportsFailures(t *testing.T) {
	store := newFakeStore()
	store.failPuts = true
	p := newPublisher(store, "factory", "", "", nil)

	_, err := p.Publish(context.Background(), buildTree(t), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")

	_, err = p.Publish(context.Background(), buildTree(t), " ")
	require.Error(t, err)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
	_, err = New(Config{Endpoint: "localhost:9000", Bucket: "b"}, nil)
	require.Error(t, err)
	_, err = New(Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s"}, nil)
	require.Error(t, err)

	p, err := New(Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s", Bucket: "b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", p.Bucket())
}
