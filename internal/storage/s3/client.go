package s3

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssdk "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"
)

// S3API is the subset of the S3 control-plane client used by the gateway.
// The concrete *s3.Client satisfies it; tests substitute a mock.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

var _ S3API = (*s3.Client)(nil)

// Uploader abstracts the SDK transfer manager's upload side.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Downloader abstracts the SDK transfer manager's download side.
type Downloader interface {
	Download(ctx context.Context, w io.WriterAt, input *s3.GetObjectInput, opts ...func(*manager.Downloader)) (int64, error)
}

// newClients builds the SDK client, the transfer manager pair, and the
// optional optimized transporter from a gateway configuration.
func newClients(ctx context.Context, bucket string, cfg *Config) (*s3.Client, *manager.Uploader, *manager.Downloader, *cargoships3.Transporter, error) {
	loadOpts := []func(*awssdk.LoadOptions) error{
		awssdk.WithRegion(cfg.Region),
		awssdk.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awssdk.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	if cfg.RequestTimeout > 0 || cfg.ConnectTimeout > 0 {
		httpClient := &http.Client{Timeout: cfg.RequestTimeout}
		if cfg.ConnectTimeout > 0 {
			httpClient.Transport = &http.Transport{
				DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
			}
		}
		loadOpts = append(loadOpts, awssdk.WithHTTPClient(httpClient))
	}

	awsCfg, err := awssdk.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.UseAccelerate {
			o.UseAccelerate = true
		}
	})

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = cfg.MultipartChunkSize
		u.Concurrency = cfg.Concurrency
	})
	downloader := manager.NewDownloader(client, func(d *manager.Downloader) {
		d.PartSize = cfg.MultipartChunkSize
		d.Concurrency = cfg.Concurrency
	})

	var transporter *cargoships3.Transporter
	if cfg.OptimizedUpload {
		cargoCfg := awsconfig.S3Config{
			Bucket:             bucket,
			StorageClass:       toCargoStorageClass(cfg.StorageClass),
			MultipartThreshold: cfg.MultipartThreshold,
			MultipartChunkSize: cfg.MultipartChunkSize,
			Concurrency:        cfg.Concurrency,
		}
		transporter = cargoships3.NewTransporter(client, cargoCfg)
	}

	return client, uploader, downloader, transporter, nil
}

// toStorageClass converts a configured class name to the SDK type.
func toStorageClass(class string) s3types.StorageClass {
	switch class {
	case ClassStandard:
		return s3types.StorageClassStandard
	case ClassStandardIA:
		return s3types.StorageClassStandardIa
	case ClassOneZoneIA:
		return s3types.StorageClassOnezoneIa
	case ClassGlacierIR:
		return s3types.StorageClassGlacierIr
	case ClassGlacier:
		return s3types.StorageClassGlacier
	case ClassDeepArchive:
		return s3types.StorageClassDeepArchive
	case ClassIntelligent:
		return s3types.StorageClassIntelligentTiering
	default:
		return s3types.StorageClassStandard
	}
}

// toCargoStorageClass converts a configured class name to the transporter's
// type. Instant-retrieval Glacier maps to plain Glacier, the closest class
// the transporter supports.
func toCargoStorageClass(class string) awsconfig.StorageClass {
	switch class {
	case ClassStandard:
		return awsconfig.StorageClassStandard
	case ClassStandardIA:
		return awsconfig.StorageClassStandardIA
	case ClassOneZoneIA:
		return awsconfig.StorageClassOneZoneIA
	case ClassGlacierIR, ClassGlacier:
		return awsconfig.StorageClassGlacier
	case ClassDeepArchive:
		return awsconfig.StorageClassDeepArchive
	case ClassIntelligent:
		return awsconfig.StorageClassIntelligentTiering
	default:
		return awsconfig.StorageClassStandard
	}
}
