// Package upload issues presigned S3 URLs for avatar images. Clients upload
// directly to the bucket; the server never proxies image bytes.
package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

const (
	keyPrefix = "avatars/"
	urlExpiry = 5 * time.Minute
)

// Signer issues presigned URLs against a single bucket.
type Signer struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
}

// NewSigner builds a signer from a loaded AWS config.
func NewSigner(cfg aws.Config, bucket string) *Signer {
	client := s3.NewFromConfig(cfg)
	return &Signer{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    bucket,
	}
}

// UploadURL returns a presigned PUT URL and the object key it writes to.
// Keys are random so uploads never collide or overwrite another user's file.
func (s *Signer) UploadURL(ctx context.Context, contentType string) (url, key string, err error) {
	key = keyPrefix + uuid.NewString()
	params := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}
	out, err := s.presigner.PresignPutObject(ctx, params, s3.WithPresignExpires(urlExpiry))
	if err != nil {
		return "", "", fmt.Errorf("upload: presign put: %w", err)
	}
	return out.URL, key, nil
}

// ReadURL returns a presigned GET URL for an existing object key.
func (s *Signer) ReadURL(ctx context.Context, key string) (string, error) {
	params := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	out, err := s.presigner.PresignGetObject(ctx, params, s3.WithPresignExpires(urlExpiry))
	if err != nil {
		return "", fmt.Errorf("upload: presign get: %w", err)
	}
	return out.URL, nil
}

// Delete removes an object, for example when a profile is erased through
// the identity webhook.
func (s *Signer) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("upload: delete %s: %w", key, err)
	}
	return nil
}
