package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/hottake/studio/internal/config"
)

// S3Client uploads generated artifacts to an S3-compatible bucket.
type S3Client struct {
	s3Client   *s3.Client
	bucketName string
	endpoint   string
	publicURL  string
	logger     *slog.Logger
}

// NewS3Client creates an S3 client. Static credentials are used when set,
// otherwise the default AWS credential chain applies. Endpoint points the
// client at R2, MinIO or another S3-compatible service.
func NewS3Client(ctx context.Context, cfg *config.S3Config, logger *slog.Logger) (*S3Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 configuration incomplete: bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Client{
		s3Client:   s3Client,
		bucketName: cfg.Bucket,
		endpoint:   endpoint,
		publicURL:  strings.TrimRight(cfg.PublicURL, "/"),
		logger:     logger,
	}, nil
}

// UploadFile uploads a local file and returns its public URL. The object is
// made public-read; buckets that reject ACLs get a second attempt without.
func (c *S3Client) UploadFile(ctx context.Context, localPath, key, contentType string) (string, error) {
	if contentType == "" {
		contentType = ContentTypeFor(key)
	}

	err := c.put(ctx, localPath, key, contentType, types.ObjectCannedACLPublicRead)
	if isACLNotSupported(err) {
		c.logger.Info("Bucket does not support ACLs, uploading without", "bucket", c.bucketName, "key", key)
		err = c.put(ctx, localPath, key, contentType, "")
	}
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	url := c.PublicURL(key)
	c.logger.Info("Uploaded artifact to S3", "key", key, "content_type", contentType, "url", url)
	return url, nil
}

func (c *S3Client) put(ctx context.Context, localPath, key, contentType string, acl types.ObjectCannedACL) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	input := &s3.PutObjectInput{
		Bucket:      aws.String(c.bucketName),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	}
	if acl != "" {
		input.ACL = acl
	}

	_, err = c.s3Client.PutObject(ctx, input)
	return err
}

func isACLNotSupported(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "AccessControlListNotSupported"
	}
	return false
}

// PublicURL returns the public URL for a key
func (c *S3Client) PublicURL(key string) string {
	switch {
	case c.publicURL != "":
		return fmt.Sprintf("%s/%s", c.publicURL, key)
	case c.endpoint != "":
		return fmt.Sprintf("%s/%s/%s", c.endpoint, c.bucketName, key)
	default:
		return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", c.bucketName, key)
	}
}

// IsConfigured returns true if the client has valid configuration
func (c *S3Client) IsConfigured() bool {
	return c != nil && c.s3Client != nil && c.bucketName != ""
}
