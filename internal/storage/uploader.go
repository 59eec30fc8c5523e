// Package storage archives delivered generation images to S3-compatible
// storage, so every completed audit row carries a durable public URL.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

type Config struct {
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	Bucket        string
	PublicBaseURL string
	UsePathStyle  bool
	Prefix        string
}

// Archived objects are immutable: a key is written exactly once and the URL
// is recorded on the audit row, so aggressive caching is safe.
const cacheControl = "public, max-age=31536000, immutable"

var extByMIME = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/webp": ".webp",
}

type Uploader struct {
	client  *s3.Client
	bucket  string
	prefix  string
	baseURL *url.URL
}

func NewUploader(cfg Config) (*Uploader, error) {
	var missing []string
	if cfg.Region == "" {
		missing = append(missing, "region")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		missing = append(missing, "credentials")
	}
	if cfg.Bucket == "" {
		missing = append(missing, "bucket")
	}
	if cfg.PublicBaseURL == "" {
		missing = append(missing, "public base url")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("incomplete s3 config: %s", strings.Join(missing, ", "))
	}

	base, err := url.Parse(cfg.PublicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse public base url: %w", err)
	}

	options := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		options.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "generations"
	}

	return &Uploader{
		client:  s3.New(options),
		bucket:  cfg.Bucket,
		prefix:  prefix,
		baseURL: base,
	}, nil
}

// Upload archives one image and returns its public URL.
func (u *Uploader) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty image")
	}
	if contentType == "" {
		contentType = "image/png"
	}

	key := u.objectKey(time.Now().UTC(), contentType)
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(u.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String(cacheControl),
		ACL:          types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return u.baseURL.JoinPath(key).String(), nil
}

// objectKey lays archived images out by month, with a sortable timestamp plus
// a random suffix against same-second collisions.
func (u *Uploader) objectKey(now time.Time, contentType string) string {
	name := now.Format("20060102T150405") + "-" + uuid.NewString()[:8] + extension(contentType)
	return path.Join(u.prefix, now.Format("2006/01"), name)
}

func extension(contentType string) string {
	if ext, ok := extByMIME[strings.ToLower(contentType)]; ok {
		return ext
	}
	return ".bin"
}
