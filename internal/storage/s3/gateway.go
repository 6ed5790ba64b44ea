package s3

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/marchshares/cell-engine-ext/pkg/errors"
	"github.com/marchshares/cell-engine-ext/pkg/utils"
)

// Recorder receives per-operation measurements from the gateway. A nil
// Recorder disables recording.
type Recorder interface {
	RecordTransfer(operation string, duration time.Duration, size int64, success bool)
	SetPendingTransfers(count int)
}

// ObjectInfo describes one stored object returned by ListObjects.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	ETag         string    `json:"etag"`
}

// Gateway normalizes single-file and directory-scoped operations against
// one bucket. It holds one pending-transfer queue shared across all
// operations it issues; callers must not run directory operations from
// multiple goroutines without external synchronization.
type Gateway struct {
	client      S3API
	uploader    Uploader
	downloader  Downloader
	transporter *cargoships3.Transporter

	bucket       string
	storageClass s3types.StorageClass
	config       *Config

	logger   *utils.StructuredLogger
	recorder Recorder

	pending []*PendingTransfer

	mu    sync.RWMutex
	stats TransferStats
}

// NewGateway creates a gateway bound to one bucket and verifies the
// connection with a bucket head request.
func NewGateway(ctx context.Context, bucket string, cfg *Config, logger *utils.StructuredLogger, recorder Recorder) (*Gateway, error) {
	if bucket == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "bucket name cannot be empty")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.applyDefaults()

	if logger == nil {
		var err error
		logger, err = utils.NewStructuredLogger(nil)
		if err != nil {
			return nil, err
		}
	}
	logger = logger.WithComponent("store")

	client, uploader, downloader, transporter, err := newClients(ctx, bucket, cfg)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "failed to build store clients", err)
	}

	g := &Gateway{
		client:       client,
		uploader:     uploader,
		downloader:   downloader,
		transporter:  transporter,
		bucket:       bucket,
		storageClass: toStorageClass(cfg.StorageClass),
		config:       cfg,
		logger:       logger,
		recorder:     recorder,
	}

	if transporter != nil {
		logger.Info("optimized upload path enabled", map[string]interface{}{
			"target_throughput": cfg.TargetThroughput,
			"chunk_size":        utils.FormatBytes(cfg.MultipartChunkSize),
			"concurrency":       cfg.Concurrency,
		})
	}
	if cfg.DryRun {
		logger.Warn("dry run enabled: mutating operations will be logged and skipped")
	}

	if err := g.HealthCheck(ctx); err != nil {
		return nil, err
	}

	return g, nil
}

// Bucket returns the bucket the gateway operates on.
func (g *Gateway) Bucket() string {
	return g.bucket
}

// HealthCheck verifies the bucket is reachable.
func (g *Gateway) HealthCheck(ctx context.Context) error {
	_, err := g.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(g.bucket),
	})
	if err != nil {
		return errors.Wrap(errors.ErrCodeBucketNotFound, "store health check failed", err).
			WithContext("bucket", g.bucket)
	}
	return nil
}

// UploadFile uploads one local file and blocks until the transfer
// completes or fails.
func (g *Gateway) UploadFile(ctx context.Context, fromPath, toKey, info string) error {
	g.logger.Infof("%s: upload file to store: %s -> %s", info, fromPath, toKey)
	if g.config.DryRun {
		g.logger.Infof("%s: DRY_RUN: skip", info)
		return nil
	}

	start := time.Now()
	size, err := g.doUpload(ctx, fromPath, toKey)
	g.recordRequest(time.Since(start), err != nil)
	if g.recorder != nil {
		g.recorder.RecordTransfer("upload", time.Since(start), size, err == nil)
	}
	if err != nil {
		g.recordError(err)
		return errors.Wrap(errors.ErrCodeTransferFailed, "upload failed", err).
			WithContext("key", toKey)
	}
	g.addBytesUploaded(size)
	return nil
}

// doUpload performs the actual transfer. The optimized transporter is
// tried first when configured, with a fallback to the plain transfer
// manager on failure.
func (g *Gateway) doUpload(ctx context.Context, fromPath, toKey string) (int64, error) {
	f, err := os.Open(fromPath)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := stat.Size()

	if g.transporter != nil {
		archive := cargoships3.Archive{
			Key:          toKey,
			Reader:       f,
			Size:         size,
			StorageClass: toCargoStorageClass(g.config.StorageClass),
			Metadata: map[string]string{
				"cell-engine-ext": "true",
			},
		}
		result, uploadErr := g.transporter.Upload(ctx, archive)
		if uploadErr == nil {
			g.logger.Debug("optimized upload completed", map[string]interface{}{
				"key":        toKey,
				"size":       size,
				"throughput": result.Throughput,
				"duration":   result.Duration,
			})
			return size, nil
		}
		g.logger.Warnf("optimized upload failed, falling back to transfer manager: key=%s error=%v", toKey, uploadErr)
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return 0, err
		}
	}

	_, err = g.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(g.bucket),
		Key:          aws.String(toKey),
		Body:         f,
		StorageClass: g.storageClass,
	})
	if err != nil {
		return 0, err
	}
	return size, nil
}

// DownloadFile downloads one object to a local file and blocks until the
// transfer completes or fails. Downloads run for real even in dry run.
func (g *Gateway) DownloadFile(ctx context.Context, fromKey, toPath, info string) error {
	g.logger.Infof("%s: download file from store: %s -> %s", info, fromKey, toPath)

	start := time.Now()
	size, err := g.doDownload(ctx, fromKey, toPath)
	g.recordRequest(time.Since(start), err != nil)
	if g.recorder != nil {
		g.recorder.RecordTransfer("download", time.Since(start), size, err == nil)
	}
	if err != nil {
		g.recordError(err)
		return errors.Wrap(errors.ErrCodeTransferFailed, "download failed", err).
			WithContext("key", fromKey)
	}
	g.addBytesDownloaded(size)
	return nil
}

func (g *Gateway) doDownload(ctx context.Context, fromKey, toPath string) (int64, error) {
	f, err := os.Create(toPath)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	return g.downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(fromKey),
	})
}

// EnqueueUpload starts an upload and appends its handle to the pending
// queue without blocking. The caller must eventually call DrainPending.
// In dry run the upload is logged, not enqueued, and nil is returned.
func (g *Gateway) EnqueueUpload(ctx context.Context, fromPath, toKey, info string) *PendingTransfer {
	g.logger.Infof("%s: add pending upload to store: %s -> %s", info, fromPath, toKey)
	if g.config.DryRun {
		g.logger.Infof("%s: DRY_RUN: skip", info)
		return nil
	}

	t := newPendingTransfer("upload", toKey, fromPath)
	g.pending = append(g.pending, t)
	g.updatePendingGauge()

	go func() {
		start := time.Now()
		size, err := g.doUpload(ctx, fromPath, toKey)
		g.recordRequest(time.Since(start), err != nil)
		if g.recorder != nil {
			g.recorder.RecordTransfer("upload", time.Since(start), size, err == nil)
		}
		if err != nil {
			g.recordError(err)
		} else {
			g.addBytesUploaded(size)
		}
		t.resolve(size, err)
	}()

	return t
}

// EnqueueDownload starts a download and appends its handle to the pending
// queue without blocking. Downloads run for real even in dry run.
func (g *Gateway) EnqueueDownload(ctx context.Context, fromKey, toPath, info string) *PendingTransfer {
	g.logger.Infof("%s: add pending download from store: %s -> %s", info, fromKey, toPath)

	t := newPendingTransfer("download", fromKey, toPath)
	g.pending = append(g.pending, t)
	g.updatePendingGauge()

	go func() {
		start := time.Now()
		size, err := g.doDownload(ctx, fromKey, toPath)
		g.recordRequest(time.Since(start), err != nil)
		if g.recorder != nil {
			g.recorder.RecordTransfer("download", time.Since(start), size, err == nil)
		}
		if err != nil {
			g.recordError(err)
		} else {
			g.addBytesDownloaded(size)
		}
		t.resolve(size, err)
	}()

	return t
}

// DrainPending blocks on every queued transfer, popping the queue in
// last-in-first-out order, and returns the number resolved. Every handle
// is waited on before the first failure is returned.
func (g *Gateway) DrainPending() (int, error) {
	total := len(g.pending)
	resolved := 0
	var firstErr error

	for len(g.pending) > 0 {
		t := g.pending[len(g.pending)-1]
		g.pending = g.pending[:len(g.pending)-1]
		g.updatePendingGauge()

		if err := t.Wait(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(errors.ErrCodeTransferFailed,
				fmt.Sprintf("pending %s failed", t.Operation), err).
				WithContext("key", t.Key)
		}
		resolved++
		g.logger.Infof("resolved pending transfer (%d/%d): %s %s", resolved, total, t.Operation, t.Key)
	}

	return resolved, firstErr
}

func (g *Gateway) updatePendingGauge() {
	if g.recorder != nil {
		g.recorder.SetPendingTransfers(len(g.pending))
	}
}

// UploadDirectory enqueues one upload per file under fromDir, preserving
// relative paths under toDirKey, then drains the queue. The remote key is
// built by prefix substitution, so fromDir and toDirKey must line up the
// way the caller expects.
func (g *Gateway) UploadDirectory(ctx context.Context, fromDir, toDirKey, info string) error {
	g.logger.Infof("%s: upload dir to store: %s -> %s", info, fromDir, toDirKey)

	err := filepath.WalkDir(fromDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		localPath := filepath.ToSlash(p)
		relative := strings.TrimPrefix(localPath, fromDir)
		g.EnqueueUpload(ctx, localPath, toDirKey+relative, info)
		return nil
	})
	if err != nil {
		return errors.Wrap(errors.ErrCodeTransferFailed, "failed to walk local directory", err).
			WithContext("dir", fromDir)
	}

	_, err = g.DrainPending()
	return err
}

// DownloadDirectory enqueues one download per object under fromDirKey,
// then drains the queue. An empty toDir defaults to the base name of the
// source prefix. Local directories are created as needed.
func (g *Gateway) DownloadDirectory(ctx context.Context, fromDirKey, toDir, info string) error {
	if toDir == "" {
		toDir = path.Base(fromDirKey)
	}
	g.logger.Infof("%s: download dir from store: %s -> %s", info, fromDirKey, toDir)

	objects, err := g.ListObjects(ctx, fromDirKey)
	if err != nil {
		return err
	}

	for _, obj := range objects {
		toPath := strings.Replace(obj.Key, fromDirKey, toDir, 1)
		if err := os.MkdirAll(filepath.Dir(toPath), 0750); err != nil {
			return errors.Wrap(errors.ErrCodeTransferFailed, "failed to create local directory", err).
				WithContext("path", toPath)
		}
		g.EnqueueDownload(ctx, obj.Key, toPath, info)
	}

	_, err = g.DrainPending()
	return err
}

// Exists reports whether at least one object exists under the given key
// prefix. One listing call capped at a single key; never cached.
func (g *Gateway) Exists(ctx context.Context, key string) (bool, error) {
	result, err := g.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(g.bucket),
		Prefix:  aws.String(key),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, errors.Wrap(errors.ErrCodeStorageListing, "existence check failed", err).
			WithContext("key", key)
	}
	return len(result.Contents) > 0, nil
}

// CopyFile performs a server-side copy. An empty toBucket defaults to the
// gateway's own bucket.
func (g *Gateway) CopyFile(ctx context.Context, fromKey, toKey, toBucket, info string) error {
	if toBucket == "" {
		toBucket = g.bucket
	}
	g.logger.Infof("%s: copy file: s3://%s/%s -> s3://%s/%s", info, g.bucket, fromKey, toBucket, toKey)

	if g.config.DryRun {
		g.logger.Infof("%s: DRY_RUN: skip", info)
		return nil
	}

	_, err := g.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(toBucket),
		CopySource: aws.String(g.bucket + "/" + fromKey),
		Key:        aws.String(toKey),
	})
	if err != nil {
		g.recordError(err)
		return errors.Wrap(errors.ErrCodeTransferFailed, "copy failed", err).
			WithContext("from", fromKey).
			WithContext("to", toKey)
	}
	return nil
}

// MoveFile copies then deletes the source. The source is deleted only
// after the copy reports success; a failing copy leaves it intact. A move
// where source and destination resolve to the identical path is a logged
// no-op, not an error.
func (g *Gateway) MoveFile(ctx context.Context, fromKey, toKey, toBucket string) error {
	if toBucket == "" {
		toBucket = g.bucket
	}

	originalPath := g.bucket + "/" + fromKey
	destinationPath := toBucket + "/" + toKey
	if originalPath == destinationPath {
		g.logger.Infof("cannot move file onto itself: %s", destinationPath)
		return nil
	}

	g.logger.Infof("move file: s3://%s/%s -> s3://%s/%s", g.bucket, fromKey, toBucket, toKey)
	if g.config.DryRun {
		g.logger.Info("DRY_RUN: skip")
		return nil
	}

	_, err := g.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(toBucket),
		CopySource: aws.String(g.bucket + "/" + fromKey),
		Key:        aws.String(toKey),
	})
	if err != nil {
		g.recordError(err)
		return errors.Wrap(errors.ErrCodeTransferFailed, "unable to move file, source left intact", err).
			WithContext("from", fromKey).
			WithContext("to", toKey)
	}

	_, err = g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(fromKey),
	})
	if err != nil {
		g.recordError(err)
		return errors.Wrap(errors.ErrCodeTransferFailed, "failed to delete source after copy", err).
			WithContext("key", fromKey)
	}
	return nil
}

// CopyDirectory copies every object under fromDirKey, replacing the
// prefix once per key.
func (g *Gateway) CopyDirectory(ctx context.Context, fromDirKey, toDirKey, toBucket, info string) error {
	if toBucket == "" {
		toBucket = g.bucket
	}
	g.logger.Infof("%s: copy dir: s3://%s/%s -> s3://%s/%s", info, g.bucket, fromDirKey, toBucket, toDirKey)

	objects, err := g.ListObjects(ctx, fromDirKey)
	if err != nil {
		return err
	}

	for i, obj := range objects {
		newKey := strings.Replace(obj.Key, fromDirKey, toDirKey, 1)
		step := fmt.Sprintf("%s (%d/%d)", info, i+1, len(objects))
		if err := g.CopyFile(ctx, obj.Key, newKey, toBucket, step); err != nil {
			return err
		}
	}
	return nil
}

// MoveDirectory moves every object under fromDirKey. It fails closed,
// before touching any object, when the listed count exceeds the
// configured move cap.
func (g *Gateway) MoveDirectory(ctx context.Context, fromDirKey, toDirKey, toBucket, info string) error {
	if toBucket == "" {
		toBucket = g.bucket
	}
	g.logger.Infof("%s: move dir: s3://%s/%s -> s3://%s/%s", info, g.bucket, fromDirKey, toBucket, toDirKey)

	objects, err := g.ListObjects(ctx, fromDirKey)
	if err != nil {
		return err
	}

	g.logger.Infof("%s: found %d objects to move", info, len(objects))
	if len(objects) > g.config.MoveObjectCap {
		return errors.Newf(errors.ErrCodeCapExceeded,
			"too many objects to move: %d > %d; raise move_object_cap to proceed",
			len(objects), g.config.MoveObjectCap).
			WithContext("prefix", fromDirKey)
	}

	for _, obj := range objects {
		newKey := strings.Replace(obj.Key, fromDirKey, toDirKey, 1)
		if err := g.MoveFile(ctx, obj.Key, newKey, toBucket); err != nil {
			return err
		}
	}
	return nil
}

// DeleteDirectory deletes every object under dirKey. It refuses
// unconditionally to operate on the store root, and fails closed when the
// listed count exceeds the configured delete cap.
func (g *Gateway) DeleteDirectory(ctx context.Context, dirKey, info string) error {
	g.logger.Infof("%s: delete dir on store: %s (cap %d)", info, dirKey, g.config.DeleteObjectCap)

	if dirKey == "" || dirKey == "/" {
		return errors.New(errors.ErrCodeRootDelete,
			"deleting by the root key is prohibited, use explicit directory keys")
	}

	objects, err := g.ListObjects(ctx, dirKey)
	if err != nil {
		return err
	}

	g.logger.Infof("%s: found %d objects to delete", info, len(objects))
	if len(objects) > g.config.DeleteObjectCap {
		return errors.Newf(errors.ErrCodeCapExceeded,
			"too many objects to delete: %d > %d; raise delete_object_cap to proceed, objects are not recoverable",
			len(objects), g.config.DeleteObjectCap).
			WithContext("prefix", dirKey)
	}

	for i, obj := range objects {
		step := fmt.Sprintf("%s (%d/%d)", info, i+1, len(objects))
		if err := g.DeleteFile(ctx, obj.Key, step); err != nil {
			return err
		}
	}
	return nil
}

// DeleteFile deletes one object.
func (g *Gateway) DeleteFile(ctx context.Context, key, info string) error {
	g.logger.Infof("%s: delete file on store: %s", info, key)
	if g.config.DryRun {
		g.logger.Infof("%s: DRY_RUN: skip", info)
		return nil
	}

	_, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		g.recordError(err)
		return errors.Wrap(errors.ErrCodeTransferFailed, "delete failed", err).
			WithContext("key", key)
	}
	return nil
}

// ListObjects lists every object under the given prefix.
func (g *Gateway) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(g.bucket),
		Prefix: aws.String(prefix),
	}

	var objects []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(g.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeStorageListing, "listing failed", err).
				WithContext("prefix", prefix)
		}
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         aws.ToString(obj.ETag),
			})
		}
	}
	return objects, nil
}

// ListKeys lists object keys under the given prefix.
func (g *Gateway) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	objects, err := g.ListObjects(ctx, prefix)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// PrintKeys writes a numbered key listing under the given prefix to w.
func (g *Gateway) PrintKeys(ctx context.Context, prefix string, w io.Writer) error {
	keys, err := g.ListKeys(ctx, prefix)
	if err != nil {
		return err
	}

	for i, key := range keys {
		_, _ = fmt.Fprintf(w, "%d: %s\n", i+1, key)
	}
	_, _ = fmt.Fprintln(w)
	return nil
}
