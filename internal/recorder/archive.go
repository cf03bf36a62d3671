package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Archiver uploads rotated recorder files to a single S3 bucket for
// cold storage. It is best-effort: a failed upload is logged by the
// recorder and never affects rotation or subsequent recording.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archiver builds an Archiver against an already-configured S3
// client (typically built from aws-sdk-go-v2/config.LoadDefaultConfig
// by the caller, in cmd/termmux).
func NewS3Archiver(client *s3.Client, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

// Archive uploads the file at path under bucket/prefix/<basename>.
func (a *S3Archiver) Archive(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("s3archiver: open %s: %w", path, err)
	}
	defer f.Close()

	key := filepath.Join(a.prefix, filepath.Base(path))
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("s3archiver: put %s: %w", key, err)
	}
	return nil
}
