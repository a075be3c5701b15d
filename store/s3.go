package store

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader is the subset of *manager.Uploader used by S3.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3 writes files as objects under a key prefix in one bucket. Large files
// are sent as multipart uploads by the SDK's upload manager.
type S3 struct {
	uploader Uploader
	bucket   string
	prefix   string
}

// S3Options configures NewS3.
type S3Options struct {
	Bucket string
	Prefix string
	Region string

	// PartSize is the multipart part size in bytes. Zero uses the SDK
	// default.
	PartSize int64
}

// NewS3 loads the default AWS configuration (environment, shared config,
// instance role) and returns a store writing into options.Bucket.
func NewS3(ctx context.Context, options S3Options) (*S3, error) {
	if options.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is empty")
	}
	var loadOptions []func(*config.LoadOptions) error
	if options.Region != "" {
		loadOptions = append(loadOptions, config.WithRegion(options.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	uploader := manager.NewUploader(s3.NewFromConfig(cfg), func(u *manager.Uploader) {
		if options.PartSize > 0 {
			u.PartSize = options.PartSize
		}
	})
	return NewS3WithUploader(uploader, options.Bucket, options.Prefix), nil
}

// NewS3WithUploader returns a store using an existing uploader.
func NewS3WithUploader(uploader Uploader, bucket, prefix string) *S3 {
	return &S3{uploader: uploader, bucket: bucket, prefix: prefix}
}

// Key returns the object key used for name.
func (s *S3) Key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// Put uploads data as the object for name.
func (s *S3) Put(ctx context.Context, name string, data []byte) error {
	if err := validateName(name); err != nil {
		return err
	}
	key := s.Key(name)
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}
