// Package s3 provides a storage.BlobStore backed by an S3-compatible object
// store (AWS S3, MinIO, and similar).
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/jmcleod/filedrop/storage"
)

// Config holds the connection settings for the object store.
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	// UsePathStyle addresses buckets as endpoint/bucket/key, which MinIO
	// requires.
	UsePathStyle bool
}

// client is the subset of *s3.Client the store uses.
type client interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// Store implements storage.BlobStore on top of the AWS SDK.
//
// The SDK client is built lazily on first use and shared for the life of the
// process. The bucket is checked (and created when missing) once; after the
// first success the check is never repeated.
type Store struct {
	cfg    Config
	logger *slog.Logger

	initOnce  sync.Once
	newClient func() (client, error)
	api       client
	initErr   error

	bucketMu    sync.Mutex
	bucketReady bool
}

var _ storage.BlobStore = (*Store)(nil)

// New returns a Store for cfg. No network calls are made until the first
// operation.
func New(cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{cfg: cfg, logger: logger.With("component", "s3")}
	s.newClient = func() (client, error) { return buildClient(cfg) }
	return s
}

func buildClient(cfg Config) (client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// client returns the shared SDK client, making sure the bucket exists.
func (s *Store) client(ctx context.Context) (client, error) {
	s.initOnce.Do(func() {
		s.api, s.initErr = s.newClient()
		if s.initErr == nil {
			s.logger.Info("s3 client initialized",
				slog.String("endpoint", s.cfg.Endpoint),
				slog.String("region", s.cfg.Region),
				slog.String("bucket", s.cfg.Bucket))
		}
	})
	if s.initErr != nil {
		return nil, s.initErr
	}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s.api, nil
}

func (s *Store) ensureBucket(ctx context.Context) error {
	s.bucketMu.Lock()
	defer s.bucketMu.Unlock()
	if s.bucketReady {
		return nil
	}

	_, err := s.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err == nil {
		s.bucketReady = true
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("checking bucket %s: %w", s.cfg.Bucket, err)
	}

	in := &s3.CreateBucketInput{Bucket: aws.String(s.cfg.Bucket)}
	if s.cfg.Region != "" && s.cfg.Region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.cfg.Region),
		}
	}
	if _, err := s.api.CreateBucket(ctx, in); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if !errors.As(err, &owned) {
			return fmt.Errorf("creating bucket %s: %w", s.cfg.Bucket, err)
		}
	}
	s.logger.Info("bucket created", slog.String("bucket", s.cfg.Bucket))
	s.bucketReady = true
	return nil
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	if key == "" {
		return storage.ErrEmptyKey
	}
	api, err := s.client(ctx)
	if err != nil {
		return err
	}
	// Request signing needs to rewind the payload.
	if _, ok := body.(io.ReadSeeker); !ok {
		data, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("reading body for %s: %w", key, err)
		}
		body = bytes.NewReader(data)
		size = int64(len(data))
	}
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	if _, err := api.PutObject(ctx, in); err != nil {
		return fmt.Errorf("putting %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (*storage.Object, error) {
	api, err := s.client(ctx)
	if err != nil {
		return nil, err
	}
	out, err := api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("getting %s: %w", key, err)
	}
	return &storage.Object{
		ObjectInfo: storage.ObjectInfo{
			Key:          key,
			Size:         aws.ToInt64(out.ContentLength),
			ContentType:  aws.ToString(out.ContentType),
			LastModified: aws.ToTime(out.LastModified),
		},
		Body: out.Body,
	}, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	api, err := s.client(ctx)
	if err != nil {
		return nil, err
	}
	var infos []storage.ObjectInfo
	p := s3.NewListObjectsV2Paginator(api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			infos = append(infos, storage.ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return infos, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	api, err := s.client(ctx)
	if err != nil {
		return err
	}
	_, err = api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var (
		noKey    *types.NoSuchKey
		notFound *types.NotFound
		noBucket *types.NoSuchBucket
	)
	if errors.As(err, &noKey) || errors.As(err, &notFound) || errors.As(err, &noBucket) {
		return true
	}
	var re *smithyhttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}
