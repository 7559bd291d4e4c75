package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store streams assets into an S3 bucket.
type S3Store struct {
	client  *s3.Client
	bucket  string
	prefix  string
	baseURL string
}

// NewS3Store builds an S3-backed store using the default AWS credential
// chain. Public URLs are formed against baseURL, which normally points at
// the bucket's CDN distribution.
func NewS3Store(ctx context.Context, bucket, prefix, baseURL string) (*S3Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("storage: s3 bucket is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}
	return &S3Store{
		client:  s3.NewFromConfig(cfg),
		bucket:  bucket,
		prefix:  prefix,
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

// PutStream uploads r under key without buffering it. length below zero
// means unknown and the upload is sent chunked.
func (s *S3Store) PutStream(ctx context.Context, key, contentType string, r io.Reader, length int64) (string, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	fullKey := cleanKey
	if s.prefix != "" {
		fullKey = path.Join(s.prefix, cleanKey)
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(fullKey),
		Body:        r,
		ACL:         types.ObjectCannedACLPrivate,
		ContentType: aws.String(contentType),
	}
	if length >= 0 {
		input.ContentLength = aws.Int64(length)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("storage: s3 put %s: %w", fullKey, err)
	}
	return s.baseURL + "/" + fullKey, nil
}

// Get fetches the object body at key.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return nil, err
	}
	fullKey := cleanKey
	if s.prefix != "" {
		fullKey = path.Join(s.prefix, cleanKey)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: s3 get %s: %w", fullKey, err)
	}
	return out.Body, nil
}

var _ ObjectStore = (*S3Store)(nil)
