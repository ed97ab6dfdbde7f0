package media

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// BlobStore persists inbound media binaries and returns where they landed
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// FilesystemStore writes blobs under a root directory
type FilesystemStore struct {
	root string
}

func NewFilesystemStore(root string) *FilesystemStore {
	return &FilesystemStore{root: root}
}

func (f *FilesystemStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	path := filepath.Join(f.root, filepath.FromSlash(key))
	rel, err := filepath.Rel(f.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("media key %q escapes the storage dir", key)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create media dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write media: %w", err)
	}
	return "file://" + path, nil
}

type s3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store uploads blobs to a bucket
type S3Store struct {
	client s3PutAPI
	bucket string
}

// NewS3Store builds a client from the default AWS credential chain
func NewS3Store(ctx context.Context, bucket, region string) (*S3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return &S3Store{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload media to s3: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// NewBlobStore picks the driver named in configuration
func NewBlobStore(ctx context.Context, driver, dir, bucket, region string) (BlobStore, error) {
	switch driver {
	case "", "filesystem":
		return NewFilesystemStore(dir), nil
	case "s3":
		return NewS3Store(ctx, bucket, region)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}

// BlobKey builds the object key of an inbound attachment
func BlobKey(organizationID, conversationID, messageID, fileName, mimeType string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		ext = extensionFor(mimeType, ".bin")
	}
	return strings.Join([]string{organizationID, conversationID, messageID + ext}, "/")
}

func extensionFor(mimeType, fallback string) string {
	base := strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])
	if base == "" {
		return fallback
	}
	exts, err := mime.ExtensionsByType(base)
	if err != nil || len(exts) == 0 {
		return fallback
	}
	return exts[0]
}
