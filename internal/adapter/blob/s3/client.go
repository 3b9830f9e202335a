// Package s3 implements the blob store port against any S3-compatible
// object store.
package s3

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/inkhorn/docmd/internal/config"
	"github.com/inkhorn/docmd/internal/domain"
)

// Client implements domain.BlobStore over a single bucket.
type Client struct {
	api      *s3.S3
	uploader *s3manager.Uploader
	bucket   string
}

// New constructs a Client from configuration. A custom endpoint enables
// MinIO and other S3-compatible stores.
func New(cfg config.Config) (*Client, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("op=blob.s3.new: %w: S3_BUCKET missing", domain.ErrInvalidArgument)
	}
	awsCfg := aws.NewConfig().
		WithRegion(cfg.S3Region).
		WithS3ForcePathStyle(cfg.S3ForcePathStyle)
	if cfg.S3Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.S3Endpoint)
	}
	if cfg.S3AccessKey != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.S3AccessKey, cfg.S3SecretKey, ""))
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("op=blob.s3.new: %w", err)
	}
	api := s3.New(sess)
	return &Client{
		api:      api,
		uploader: s3manager.NewUploaderWithClient(api),
		bucket:   cfg.S3Bucket,
	}, nil
}

// Stat returns object metadata or domain.ErrNotFound.
func (c *Client) Stat(ctx domain.Context, key string) (domain.BlobInfo, error) {
	out, err := c.api.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return domain.BlobInfo{}, fmt.Errorf("op=blob.stat: %s: %w", key, domain.ErrNotFound)
		}
		return domain.BlobInfo{}, fmt.Errorf("op=blob.stat: %w", err)
	}
	info := domain.BlobInfo{
		Size: aws.Int64Value(out.ContentLength),
		ETag: strings.Trim(aws.StringValue(out.ETag), `"`),
		MIME: aws.StringValue(out.ContentType),
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

// Get fetches the whole object into memory.
func (c *Client) Get(ctx domain.Context, key string) ([]byte, error) {
	out, err := c.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("op=blob.get: %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=blob.get: %w", err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("op=blob.get: %w", err)
	}
	return data, nil
}

// GetToFile streams the object to a local path.
func (c *Client) GetToFile(ctx domain.Context, key, path string) error {
	out, err := c.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("op=blob.get_file: %s: %w", key, domain.ErrNotFound)
		}
		return fmt.Errorf("op=blob.get_file: %w", err)
	}
	defer func() { _ = out.Body.Close() }()
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("op=blob.get_file: %w", err)
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		_ = f.Close()
		return fmt.Errorf("op=blob.get_file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("op=blob.get_file: %w", err)
	}
	return nil
}

// Put stores an object. The uploader switches to multipart past its own
// threshold, so callers can hand it arbitrarily large streams.
func (c *Client) Put(ctx domain.Context, key string, r io.Reader, size int64, mime string) error {
	_, err := c.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String(mime),
	})
	if err != nil {
		return fmt.Errorf("op=blob.put: %w", err)
	}
	return nil
}

// Copy duplicates src to dst within the bucket.
func (c *Client) Copy(ctx domain.Context, src, dst string) error {
	_, err := c.api.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(c.bucket),
		CopySource: aws.String(c.bucket + "/" + src),
		Key:        aws.String(dst),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("op=blob.copy: %s: %w", src, domain.ErrNotFound)
		}
		return fmt.Errorf("op=blob.copy: %w", err)
	}
	return nil
}

// Delete removes an object; deleting a missing key is not an error.
func (c *Client) Delete(ctx domain.Context, key string) error {
	_, err := c.api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("op=blob.delete: %w", err)
	}
	return nil
}

// Exists reports whether the object is present.
func (c *Client) Exists(ctx domain.Context, key string) (bool, error) {
	_, err := c.Stat(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Presign returns a signed URL for direct client access.
func (c *Client) Presign(key, method string, expires time.Duration, mime string) (string, error) {
	var req interface{ Presign(time.Duration) (string, error) }
	switch strings.ToUpper(method) {
	case "PUT":
		r, _ := c.api.PutObjectRequest(&s3.PutObjectInput{
			Bucket:      aws.String(c.bucket),
			Key:         aws.String(key),
			ContentType: aws.String(mime),
		})
		req = r
	default:
		r, _ := c.api.GetObjectRequest(&s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		req = r
	}
	url, err := req.Presign(expires)
	if err != nil {
		return "", fmt.Errorf("op=blob.presign: %w", err)
	}
	return url, nil
}

func isNotFound(err error) bool {
	var ae awserr.Error
	if errors.As(err, &ae) {
		code := ae.Code()
		return code == s3.ErrCodeNoSuchKey || code == "NotFound" || code == s3.ErrCodeNoSuchBucket
	}
	return false
}
