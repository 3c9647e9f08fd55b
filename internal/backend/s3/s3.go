// Package s3 provides an S3-compatible storage backend. Folder identifiers
// are key prefixes; a zero-byte ".keep" marker object makes an empty folder
// observable, since flat object stores have no real directories.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/copygo/uploader/internal/logging"
	"github.com/copygo/uploader/internal/metrics"
	"github.com/copygo/uploader/internal/models"
)

const folderMarker = ".keep"

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool

	// MaxFileBytes bounds the in-memory buffering CreateFile needs for a
	// known content length.
	MaxFileBytes int64
}

// Backend implements the storage client using S3/MinIO.
type Backend struct {
	client       *s3.Client
	bucket       string
	endpoint     string
	maxFileBytes int64
}

// New creates a new S3 backend.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if !strings.Contains(cfg.Endpoint, "://") {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		cfg.Endpoint = scheme + "://" + cfg.Endpoint
	}

	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				HostnameImmutable: true,
			}, nil
		},
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithEndpointResolverWithOptions(resolver),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &Backend{
		client:       client,
		bucket:       cfg.Bucket,
		endpoint:     strings.TrimSuffix(cfg.Endpoint, "/"),
		maxFileBytes: cfg.MaxFileBytes,
	}, nil
}

// keySegment flattens a name into a single key segment so client-supplied
// separators cannot nest into the key space.
func keySegment(name string) string {
	return strings.ReplaceAll(name, "/", "_")
}

func folderPrefix(name, parentID string) string {
	seg := keySegment(name)
	if parentID == "" {
		return seg
	}
	return parentID + "/" + seg
}

// ListFolder reports the key prefix for name under parentID if its marker
// object or any content exists.
func (b *Backend) ListFolder(ctx context.Context, name, parentID string) (string, error) {
	prefix := folderPrefix(name, parentID)

	start := time.Now()
	out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(prefix + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		metrics.RecordBackendOperation("list_folder", time.Since(start), false)
		return "", fmt.Errorf("list prefix %s: %w", prefix, err)
	}
	metrics.RecordBackendOperation("list_folder", time.Since(start), true)

	if out.KeyCount == nil || *out.KeyCount == 0 {
		return "", nil
	}
	return prefix, nil
}

// CreateFolder writes the marker object and returns the key prefix.
func (b *Backend) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	prefix := folderPrefix(name, parentID)

	start := time.Now()
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(prefix + "/" + folderMarker),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		metrics.RecordBackendOperation("create_folder", time.Since(start), false)
		return "", fmt.Errorf("create folder %s: %w", prefix, err)
	}
	metrics.RecordBackendOperation("create_folder", time.Since(start), true)

	logging.Debug("s3 folder created", zap.String("prefix", prefix))
	return prefix, nil
}

// CreateFile uploads body under the folder prefix. PutObject needs the
// content length up front, so the stream is buffered in memory, bounded by
// the per-file byte cap.
func (b *Backend) CreateFile(ctx context.Context, info models.FileInfo, body io.Reader) (*models.File, error) {
	contentType := info.ContentType
	if contentType == "" {
		contentType = models.DefaultContentType
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(body, b.maxFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload stream: %w", err)
	}
	if n > b.maxFileBytes {
		return nil, fmt.Errorf("file %q exceeds %d bytes", info.Name, b.maxFileBytes)
	}

	key := keySegment(info.Name)
	if info.ParentID != "" {
		key = info.ParentID + "/" + key
	}

	start := time.Now()
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(n),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		metrics.RecordBackendOperation("create_file", time.Since(start), false)
		return nil, fmt.Errorf("put object %s: %w", key, err)
	}
	metrics.RecordBackendOperation("create_file", time.Since(start), true)

	logging.Debug("s3 file created", zap.String("key", key), zap.Int64("size", n))
	return &models.File{
		ID:       key,
		Name:     info.Name,
		Size:     n,
		MimeType: contentType,
		Link:     b.endpoint + "/" + b.bucket + "/" + url.PathEscape(key),
	}, nil
}

// Ping verifies the bucket is reachable.
func (b *Backend) Ping(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", b.bucket, err)
	}
	return nil
}
