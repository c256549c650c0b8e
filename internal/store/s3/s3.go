// Package s3 stores blobs in an S3-compatible bucket.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/git-pkgs/depot/internal/core"
)

func init() {
	core.RegisterStore(core.StorageS3, func(ctx context.Context, opts core.StoreOptions) (core.BlobStore, error) {
		return New(ctx, Config{
			Bucket:    opts.Bucket,
			Region:    opts.Region,
			Endpoint:  opts.Endpoint,
			Prefix:    opts.Prefix,
			AccessKey: opts.AccessKey,
			SecretKey: opts.SecretKey,
		})
	})
}

// Config holds configuration for Store.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (MinIO, LocalStack)
	Prefix   string // Optional key prefix

	AccessKey string
	SecretKey string
}

// Store implements core.BlobStore on S3. Keys passed in are placed under
// the configured prefix; Ref reports the full object key.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	region  string
	prefix  string
}

// New creates an S3-backed store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 store: bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		region:  cfg.Region,
		prefix:  cfg.Prefix,
	}, nil
}

func (s *Store) Kind() core.StorageKind { return core.StorageS3 }

func (s *Store) key(key string) string {
	if s.prefix == "" || strings.HasPrefix(key, s.prefix) {
		return key
	}
	return s.prefix + key
}

// Put uploads r. Readers that cannot seek are spooled to a temp file first
// so the request can be signed.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, meta map[string]string) error {
	body, size, cleanup, err := seekable(r)
	if err != nil {
		return fmt.Errorf("s3 put failed for %s: %w", key, err)
	}
	defer cleanup()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(key)),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType(key)),
		Metadata:      meta,
	})
	if err != nil {
		return fmt.Errorf("s3 put failed for %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: s3://%s/%s", core.ErrBlobNotFound, s.bucket, s.key(key))
		}
		return nil, fmt.Errorf("s3 get failed for %s: %w", key, err)
	}
	return out.Body, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3 head failed for %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("s3 delete failed for %s: %w", key, err)
	}
	return nil
}

// List returns the keys under prefix with the store prefix stripped.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	})

	var keys []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list failed for %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), s.prefix))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// SignedURL presigns a GET for key valid for ttl.
func (s *Store) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("s3 presign failed for %s: %w", key, err)
	}
	return req.URL, nil
}

func (s *Store) Ref(key string) core.StorageRef {
	return core.StorageRef{
		Kind:   core.StorageS3,
		Bucket: s.bucket,
		Region: s.region,
		Key:    s.key(key),
	}
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func contentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".zip"):
		return "application/zip"
	case strings.HasSuffix(key, ".zst"):
		return "application/zstd"
	default:
		return "application/octet-stream"
	}
}

func seekable(r io.Reader) (io.ReadSeeker, int64, func(), error) {
	noop := func() {}
	if rs, ok := r.(io.ReadSeeker); ok {
		cur, err := rs.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, 0, noop, err
		}
		end, err := rs.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, 0, noop, err
		}
		if _, err := rs.Seek(cur, io.SeekStart); err != nil {
			return nil, 0, noop, err
		}
		return rs, end - cur, noop, nil
	}

	tmp, err := os.CreateTemp("", "depot-s3-*")
	if err != nil {
		return nil, 0, noop, err
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	n, err := io.Copy(tmp, r)
	if err == nil {
		_, err = tmp.Seek(0, io.SeekStart)
	}
	if err != nil {
		cleanup()
		return nil, 0, noop, err
	}
	return tmp, n, cleanup, nil
}
