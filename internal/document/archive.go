package document

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// LocalArchive writes submitted documents under a base directory. Used in
// development and as the fallback when no bucket is configured.
type LocalArchive struct {
	baseDir string
}

func NewLocalArchive(baseDir string) *LocalArchive {
	return &LocalArchive{baseDir: baseDir}
}

func (a *LocalArchive) Store(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	cleaned := filepath.Clean(strings.TrimPrefix(key, "/"))
	if strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("invalid archive key %q", key)
	}
	fullPath := filepath.Join(a.baseDir, cleaned)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	if err := os.WriteFile(fullPath, body, 0o644); err != nil {
		return "", fmt.Errorf("write document: %w", err)
	}
	return fullPath, nil
}

// S3Archive stores submitted documents in an S3 bucket.
type S3Archive struct {
	client *s3.Client
	bucket string
}

func NewS3Archive(ctx context.Context, bucket, region string) (*S3Archive, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Archive{client: s3.NewFromConfig(awsCfg), bucket: bucket}, nil
}

func (a *S3Archive) Store(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload document: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}
