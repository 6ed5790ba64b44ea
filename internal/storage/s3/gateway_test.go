package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marchshares/cell-engine-ext/pkg/errors"
	"github.com/marchshares/cell-engine-ext/pkg/utils"
)

type mockS3Client struct {
	mu sync.Mutex

	listFunc   func(in *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error)
	copyFunc   func(in *s3.CopyObjectInput) (*s3.CopyObjectOutput, error)
	deleteFunc func(in *s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error)
	headFunc   func(in *s3.HeadBucketInput) (*s3.HeadBucketOutput, error)

	listCalls   int
	copyCalls   int
	deleteCalls int
	headCalls   int

	copiedKeys  []string
	deletedKeys []string
}

func (m *mockS3Client) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	m.listCalls++
	m.mu.Unlock()
	if m.listFunc != nil {
		return m.listFunc(in)
	}
	return &s3.ListObjectsV2Output{}, nil
}

func (m *mockS3Client) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	m.mu.Lock()
	m.copyCalls++
	m.copiedKeys = append(m.copiedKeys, aws.ToString(in.Key))
	m.mu.Unlock()
	if m.copyFunc != nil {
		return m.copyFunc(in)
	}
	return &s3.CopyObjectOutput{}, nil
}

func (m *mockS3Client) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	m.deleteCalls++
	m.deletedKeys = append(m.deletedKeys, aws.ToString(in.Key))
	m.mu.Unlock()
	if m.deleteFunc != nil {
		return m.deleteFunc(in)
	}
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) HeadBucket(_ context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	m.mu.Lock()
	m.headCalls++
	m.mu.Unlock()
	if m.headFunc != nil {
		return m.headFunc(in)
	}
	return &s3.HeadBucketOutput{}, nil
}

type mockUploader struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (m *mockUploader) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if in.Body != nil {
		_, _ = io.Copy(io.Discard, in.Body)
	}
	m.keys = append(m.keys, aws.ToString(in.Key))
	return &manager.UploadOutput{}, nil
}

func (m *mockUploader) uploadedKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

type mockDownloader struct {
	mu   sync.Mutex
	data []byte
	keys []string
	err  error
}

func (m *mockDownloader) Download(_ context.Context, w io.WriterAt, in *s3.GetObjectInput, _ ...func(*manager.Downloader)) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.keys = append(m.keys, aws.ToString(in.Key))
	n, err := w.WriteAt(m.data, 0)
	return int64(n), err
}

func newTestGateway(t *testing.T, client *mockS3Client) *Gateway {
	t.Helper()

	logger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:  utils.ERROR,
		Output: io.Discard,
	})
	require.NoError(t, err)

	cfg := DefaultConfig()
	return &Gateway{
		client:       client,
		bucket:       "test-bucket",
		storageClass: toStorageClass(cfg.StorageClass),
		config:       cfg,
		logger:       logger,
	}
}

func listingOf(keys ...string) func(in *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error) {
	return func(in *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error) {
		contents := make([]s3types.Object, 0, len(keys))
		for _, k := range keys {
			contents = append(contents, s3types.Object{
				Key:  aws.String(k),
				Size: aws.Int64(int64(len(k))),
			})
		}
		return &s3.ListObjectsV2Output{Contents: contents}, nil
	}
}

func TestExists(t *testing.T) {
	tests := []struct {
		name     string
		contents []string
		want     bool
	}{
		{"no match", nil, false},
		{"one match", []string{"CellEngine/data/E1/A.fcs"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockS3Client{}
			client.listFunc = func(in *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error) {
				assert.Equal(t, int32(1), aws.ToInt32(in.MaxKeys))
				assert.Equal(t, "CellEngine/data/E1/A.fcs", aws.ToString(in.Prefix))
				return listingOf(tt.contents...)(in)
			}

			g := newTestGateway(t, client)
			exists, err := g.Exists(context.Background(), "CellEngine/data/E1/A.fcs")
			require.NoError(t, err)
			assert.Equal(t, tt.want, exists)
			assert.Equal(t, 1, client.listCalls)
		})
	}
}

func TestExists_ListingError(t *testing.T) {
	client := &mockS3Client{}
	client.listFunc = func(in *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error) {
		return nil, fmt.Errorf("access denied")
	}

	g := newTestGateway(t, client)
	_, err := g.Exists(context.Background(), "some/key")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeStorageListing))
}

func TestMoveFile_SamePathIsNoOp(t *testing.T) {
	client := &mockS3Client{}
	g := newTestGateway(t, client)

	err := g.MoveFile(context.Background(), "a/b.txt", "a/b.txt", "")
	require.NoError(t, err)
	assert.Equal(t, 0, client.copyCalls)
	assert.Equal(t, 0, client.deleteCalls)
}

func TestMoveFile_CopiesThenDeletes(t *testing.T) {
	client := &mockS3Client{}
	g := newTestGateway(t, client)

	err := g.MoveFile(context.Background(), "from/key.txt", "to/key.txt", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"to/key.txt"}, client.copiedKeys)
	assert.Equal(t, []string{"from/key.txt"}, client.deletedKeys)
}

func TestMoveFile_FailedCopyLeavesSourceIntact(t *testing.T) {
	client := &mockS3Client{}
	client.copyFunc = func(in *s3.CopyObjectInput) (*s3.CopyObjectOutput, error) {
		return nil, fmt.Errorf("copy refused")
	}

	g := newTestGateway(t, client)
	err := g.MoveFile(context.Background(), "from/key.txt", "to/key.txt", "")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeTransferFailed))
	assert.Equal(t, 0, client.deleteCalls)
}

func TestMoveDirectory_CapExceededFailsClosed(t *testing.T) {
	keys := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		keys = append(keys, fmt.Sprintf("src/file-%d.fcs", i))
	}

	client := &mockS3Client{listFunc: listingOf(keys...)}
	g := newTestGateway(t, client)
	g.config.MoveObjectCap = 4

	err := g.MoveDirectory(context.Background(), "src/", "dst/", "", "")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCapExceeded))
	assert.Equal(t, 0, client.copyCalls, "no object may be touched when the cap is exceeded")
	assert.Equal(t, 0, client.deleteCalls)
}

func TestMoveDirectory_ReplacesPrefixOnce(t *testing.T) {
	client := &mockS3Client{listFunc: listingOf("src/a.fcs", "src/nested/src/b.fcs")}
	g := newTestGateway(t, client)

	err := g.MoveDirectory(context.Background(), "src/", "dst/", "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"dst/a.fcs", "dst/nested/src/b.fcs"}, client.copiedKeys)
	assert.Equal(t, []string{"src/a.fcs", "src/nested/src/b.fcs"}, client.deletedKeys)
}

func TestDeleteDirectory_RootRefusedUnconditionally(t *testing.T) {
	for _, root := range []string{"", "/"} {
		t.Run(fmt.Sprintf("key=%q", root), func(t *testing.T) {
			client := &mockS3Client{}
			g := newTestGateway(t, client)
			g.config.DeleteObjectCap = 1 << 30

			err := g.DeleteDirectory(context.Background(), root, "")
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrCodeRootDelete))
			assert.Equal(t, 0, client.listCalls)
			assert.Equal(t, 0, client.deleteCalls)
		})
	}
}

func TestDeleteDirectory_CapExceededFailsClosed(t *testing.T) {
	client := &mockS3Client{listFunc: listingOf("tmp/a", "tmp/b", "tmp/c")}
	g := newTestGateway(t, client)
	g.config.DeleteObjectCap = 2

	err := g.DeleteDirectory(context.Background(), "tmp/", "")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCapExceeded))
	assert.Equal(t, 0, client.deleteCalls)
}

func TestDeleteDirectory(t *testing.T) {
	client := &mockS3Client{listFunc: listingOf("tmp/a", "tmp/b")}
	g := newTestGateway(t, client)

	err := g.DeleteDirectory(context.Background(), "tmp/", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"tmp/a", "tmp/b"}, client.deletedKeys)
}

func TestDryRun_SkipsMutationsButNotReads(t *testing.T) {
	client := &mockS3Client{listFunc: listingOf("tmp/a")}
	uploader := &mockUploader{}
	g := newTestGateway(t, client)
	g.uploader = uploader
	g.config.DryRun = true

	local := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(local, []byte("payload"), 0600))

	require.NoError(t, g.UploadFile(context.Background(), local, "tmp/a", ""))
	assert.Empty(t, uploader.uploadedKeys())

	assert.Nil(t, g.EnqueueUpload(context.Background(), local, "tmp/a", ""))
	assert.Empty(t, g.pending)

	require.NoError(t, g.DeleteFile(context.Background(), "tmp/a", ""))
	require.NoError(t, g.CopyFile(context.Background(), "tmp/a", "tmp/b", "", ""))
	require.NoError(t, g.MoveFile(context.Background(), "tmp/a", "tmp/b", ""))
	assert.Equal(t, 0, client.copyCalls)
	assert.Equal(t, 0, client.deleteCalls)

	// Reads always execute for real.
	exists, err := g.Exists(context.Background(), "tmp/a")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, 1, client.listCalls)
}

func TestDrainPending_LIFOAndErrorAfterAll(t *testing.T) {
	g := newTestGateway(t, &mockS3Client{})

	errA := fmt.Errorf("boom A")
	t1 := newPendingTransfer("upload", "key-1", "a")
	t1.resolve(1, errA)
	t2 := newPendingTransfer("upload", "key-2", "b")
	t2.resolve(2, nil)
	t3 := newPendingTransfer("upload", "key-3", "c")
	t3.resolve(3, fmt.Errorf("boom C"))
	g.pending = []*PendingTransfer{t1, t2, t3}

	resolved, err := g.DrainPending()
	assert.Equal(t, 3, resolved, "every handle is waited on")
	assert.Empty(t, g.pending)

	// t3 was enqueued last so it is popped, and its failure surfaced, first.
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeTransferFailed))
	assert.Contains(t, err.Error(), "pending upload failed")
	var structured *errors.Error
	require.ErrorAs(t, err, &structured)
	assert.Equal(t, "key-3", structured.Context["key"])
}

func TestUploadDirectory_PreservesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "25102022", "plate"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "top.fcs"), []byte("1"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "25102022", "plate", "A1.fcs"), []byte("2"), 0600))

	uploader := &mockUploader{}
	g := newTestGateway(t, &mockS3Client{})
	g.uploader = uploader

	from := filepath.ToSlash(dir)
	err := g.UploadDirectory(context.Background(), from, "raw-data/EXP", "")
	require.NoError(t, err)
	assert.Empty(t, g.pending, "queue is drained before the call returns")

	keys := uploader.uploadedKeys()
	sort.Strings(keys)
	assert.Equal(t, []string{
		"raw-data/EXP/25102022/plate/A1.fcs",
		"raw-data/EXP/top.fcs",
	}, keys)
}

func TestUploadDirectory_FailurePropagatedAfterDrain(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.fcs"), []byte("1"), 0600))

	uploader := &mockUploader{err: fmt.Errorf("wire dropped")}
	g := newTestGateway(t, &mockS3Client{})
	g.uploader = uploader

	err := g.UploadDirectory(context.Background(), filepath.ToSlash(dir), "raw-data/EXP", "")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeTransferFailed))
	assert.Empty(t, g.pending)
}

func TestDownloadDirectory_DefaultsDestinationAndCreatesDirs(t *testing.T) {
	work := t.TempDir()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(work))
	t.Cleanup(func() { _ = os.Chdir(prev) })

	client := &mockS3Client{listFunc: listingOf(
		"mirror/exports/a.tsv",
		"mirror/exports/nested/b.tsv",
	)}
	downloader := &mockDownloader{data: []byte("cell data")}
	g := newTestGateway(t, client)
	g.downloader = downloader

	require.NoError(t, g.DownloadDirectory(context.Background(), "mirror/exports", "", ""))
	assert.Empty(t, g.pending)

	for _, p := range []string{"exports/a.tsv", "exports/nested/b.tsv"} {
		data, err := os.ReadFile(p)
		require.NoError(t, err, "expected %s to exist", p)
		assert.Equal(t, "cell data", string(data))
	}
}

func TestUploadFile_RecordsStats(t *testing.T) {
	uploader := &mockUploader{}
	g := newTestGateway(t, &mockS3Client{})
	g.uploader = uploader

	local := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(local, []byte("seven b"), 0600))

	require.NoError(t, g.UploadFile(context.Background(), local, "tmp/a.txt", ""))

	stats := g.Stats()
	assert.Equal(t, int64(1), stats.Requests)
	assert.Equal(t, int64(0), stats.Errors)
	assert.Equal(t, int64(7), stats.BytesUploaded)
}

func TestUploadFile_MissingLocalFile(t *testing.T) {
	g := newTestGateway(t, &mockS3Client{})
	g.uploader = &mockUploader{}

	err := g.UploadFile(context.Background(), filepath.Join(t.TempDir(), "missing"), "tmp/a", "")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeTransferFailed))

	stats := g.Stats()
	assert.Equal(t, int64(1), stats.Errors)
	assert.NotEmpty(t, stats.LastError)
	assert.False(t, stats.LastErrorTime.IsZero())
}

func TestDownloadFile(t *testing.T) {
	downloader := &mockDownloader{data: []byte("fcs payload")}
	g := newTestGateway(t, &mockS3Client{})
	g.downloader = downloader

	toPath := filepath.Join(t.TempDir(), "A.fcs")
	require.NoError(t, g.DownloadFile(context.Background(), "CellEngine/data/E1/A.fcs", toPath, ""))

	data, err := os.ReadFile(toPath)
	require.NoError(t, err)
	assert.Equal(t, "fcs payload", string(data))
	assert.Equal(t, int64(11), g.Stats().BytesDownloaded)
}

func TestListKeysAndPrintKeys(t *testing.T) {
	client := &mockS3Client{listFunc: listingOf("p/a", "p/b")}
	g := newTestGateway(t, client)

	keys, err := g.ListKeys(context.Background(), "p/")
	require.NoError(t, err)
	assert.Equal(t, []string{"p/a", "p/b"}, keys)

	var buf bytes.Buffer
	require.NoError(t, g.PrintKeys(context.Background(), "p/", &buf))
	assert.Equal(t, "1: p/a\n2: p/b\n\n", buf.String())
}

func TestHealthCheck(t *testing.T) {
	client := &mockS3Client{}
	g := newTestGateway(t, client)
	require.NoError(t, g.HealthCheck(context.Background()))
	assert.Equal(t, 1, client.headCalls)

	client.headFunc = func(in *s3.HeadBucketInput) (*s3.HeadBucketOutput, error) {
		return nil, fmt.Errorf("no such bucket")
	}
	err := g.HealthCheck(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeBucketNotFound))
}

func TestStats_RollingLatency(t *testing.T) {
	g := newTestGateway(t, &mockS3Client{})

	g.recordRequest(100*time.Millisecond, false)
	assert.Equal(t, 100*time.Millisecond, g.Stats().AverageLatency)

	g.recordRequest(200*time.Millisecond, true)
	stats := g.Stats()
	assert.Equal(t, int64(2), stats.Requests)
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, 110*time.Millisecond, stats.AverageLatency)
}
