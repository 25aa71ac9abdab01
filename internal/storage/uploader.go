package storage

import (
	"bytes"
	"context"
	"fmt"
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
	PreviewPrefix string
	HDPrefix      string
}

// Uploader stores portrait artifacts. Previews are public-read; HD renditions
// stay private and are handed out through short-lived presigned URLs only
// after payment.
type Uploader struct {
	cfg     Config
	client  *s3.Client
	presign *s3.PresignClient
}

func NewUploader(cfg Config) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials are required")
	}
	if cfg.PublicBaseURL == "" {
		return nil, fmt.Errorf("s3 public base url is required")
	}
	if cfg.PreviewPrefix == "" {
		cfg.PreviewPrefix = "previews"
	}
	if cfg.HDPrefix == "" {
		cfg.HDPrefix = "hd"
	}

	options := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		options.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	client := s3.New(options)

	return &Uploader{
		cfg:     cfg,
		client:  client,
		presign: s3.NewPresignClient(client),
	}, nil
}

// UploadPreview stores a watermarked preview with public-read access and
// returns its public URL.
func (u *Uploader) UploadPreview(ctx context.Context, data []byte, contentType string) (string, error) {
	key, err := u.put(ctx, u.cfg.PreviewPrefix, data, contentType, true)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(u.cfg.PublicBaseURL, "/") + "/" + key, nil
}

// UploadHD stores the unwatermarked rendition privately and returns its
// object key.
func (u *Uploader) UploadHD(ctx context.Context, data []byte, contentType string) (string, error) {
	return u.put(ctx, u.cfg.HDPrefix, data, contentType, false)
}

// PresignHD returns a time-limited download URL for a private HD object.
func (u *Uploader) PresignHD(ctx context.Context, key string, expires time.Duration) (string, error) {
	if key == "" {
		return "", fmt.Errorf("hd key is required")
	}
	req, err := u.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("presign hd object: %w", err)
	}
	return req.URL, nil
}

func (u *Uploader) put(ctx context.Context, prefix string, data []byte, contentType string, public bool) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("no data to upload")
	}
	if contentType == "" {
		contentType = "image/png"
	}

	key := u.generateKey(prefix, contentType)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	}
	if public {
		input.ACL = types.ObjectCannedACLPublicRead
	}
	if _, err := u.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("upload to s3: %w", err)
	}
	return key, nil
}

func (u *Uploader) generateKey(prefix, contentType string) string {
	ext := extensionFromContentType(contentType)
	now := time.Now().UTC()
	prefix = strings.Trim(prefix, "/")
	return path.Join(prefix, fmt.Sprintf("%04d/%02d/%02d", now.Year(), now.Month(), now.Day()), uuid.NewString()+ext)
}

func extensionFromContentType(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}
