package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"

	"lexbridge/config"
)

// S3Store keeps blobs in one bucket, keyed per tenant and day.
type S3Store struct {
	client *s3.Client
	cfg    config.S3Config
	now    func() time.Time
}

// NewS3Store builds the client from static credentials.
func NewS3Store(cfg config.S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket is not configured")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("S3 credentials not available - set S3_ACCESS_KEY and S3_SECRET_KEY")
	}

	endpoint := cfg.Endpoint
	// An endpoint that embeds the bucket is a common misconfiguration.
	if endpoint != "" && strings.Contains(endpoint, cfg.Bucket+".") {
		endpoint = strings.Replace(endpoint, cfg.Bucket+".", "", 1)
		log.Warn().Str("endpoint", endpoint).Str("bucket", cfg.Bucket).Msg("Removed bucket name from S3 endpoint")
	}
	cfg.Endpoint = endpoint
	// Dotted bucket names break virtual-hosted TLS certificates.
	if strings.Contains(cfg.Bucket, ".") {
		cfg.PathStyle = true
	}

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", endpoint).
		Bool("pathStyle", cfg.PathStyle).
		Msg("S3 client initialized")

	return &S3Store{client: client, cfg: cfg, now: time.Now}, nil
}

// Ping checks that the bucket is reachable.
func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.cfg.Bucket),
		MaxKeys: aws.Int32(1),
	})
	return err
}

func (s *S3Store) Write(ctx context.Context, tenantID, name, mimeType string, data []byte) (string, error) {
	key := objectKey(tenantID, name, mimeType, s.now())
	contentType := mimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	input := &s3.PutObjectInput{
		Bucket:       aws.String(s.cfg.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("private, max-age=3600"),
	}
	if s.cfg.EnableACL {
		input.ACL = types.ObjectCannedACLPublicRead
	}
	if strings.HasPrefix(mimeType, "image/") || strings.HasPrefix(mimeType, "video/") || mimeType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		log.Error().Err(err).
			Str("tenantID", tenantID).
			Str("key", key).
			Str("mimeType", mimeType).
			Int("size", len(data)).
			Msg("Failed to upload blob to S3")
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	log.Info().Str("tenantID", tenantID).Str("key", key).Int("size", len(data)).Msg("Blob uploaded to S3")
	return key, nil
}

func (s *S3Store) Read(ctx context.Context, ref string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s from S3: %w", ref, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

var _ PublicLinker = (*S3Store)(nil)

// PublicURL returns the browser-facing URL of a stored blob.
func (s *S3Store) PublicURL(key string) string {
	return publicURL(s.cfg, key)
}

func objectKey(tenantID, name, mimeType string, now time.Time) string {
	return fmt.Sprintf("tenants/%s/%s/%s/%s",
		tenantID,
		now.UTC().Format("2006/01/02"),
		KindFor(mimeType),
		name,
	)
}

func publicURL(cfg config.S3Config, key string) string {
	if cfg.PublicURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(cfg.PublicURL, "/"), cfg.Bucket, key)
	}
	endpoint := cfg.Endpoint
	if endpoint == "" || strings.Contains(endpoint, "amazonaws.com") {
		if cfg.PathStyle {
			return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", cfg.Region, cfg.Bucket, key)
		}
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", cfg.Bucket, cfg.Region, key)
	}
	if cfg.PathStyle {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(endpoint, "/"), cfg.Bucket, key)
	}
	host := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	return fmt.Sprintf("https://%s.%s/%s", cfg.Bucket, host, key)
}
