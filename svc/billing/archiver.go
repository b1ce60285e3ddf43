package billing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/greengo/membership/pkg/membership"
)

var (
	ErrInvalidArchiverConfig = errors.New("invalid archiver config")
	ErrFailedToLoadAWSConfig = errors.New("failed to load aws config")
	ErrArchiveFailed         = errors.New("failed to archive payload")
)

// S3Client is the subset of the S3 API the archiver uses. Narrow on purpose
// so tests can substitute a mock.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiverConfig describes the bucket raw webhook payloads are written to.
type ArchiverConfig struct {
	Bucket      string `env:"ARCHIVE_BUCKET,required"`
	Region      string `env:"ARCHIVE_REGION,required"`
	AccessKeyID string `env:"ARCHIVE_ACCESS_KEY_ID"`
	SecretKey   string `env:"ARCHIVE_SECRET_KEY"`
	Endpoint    string `env:"ARCHIVE_ENDPOINT"` // for S3-compatible services
}

// S3Archiver stores every received webhook payload before processing, keyed
// by platform, receipt date and event ID, so replay and audit never depend
// on the billing platform retaining history.
type S3Archiver struct {
	client S3Client
	bucket string
	now    func() time.Time
}

type archiverOptions struct {
	s3Client S3Client
	now      func() time.Time
}

type ArchiverOption func(*archiverOptions)

// WithArchiverS3Client sets a pre-configured S3 client. Useful for testing.
func WithArchiverS3Client(client S3Client) ArchiverOption {
	return func(o *archiverOptions) {
		o.s3Client = client
	}
}

// WithArchiverClock overrides the clock used for date-based object keys.
func WithArchiverClock(now func() time.Time) ArchiverOption {
	return func(o *archiverOptions) {
		o.now = now
	}
}

func NewS3Archiver(ctx context.Context, cfg ArchiverConfig, opts ...ArchiverOption) (*S3Archiver, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, ErrInvalidArchiverConfig
	}

	options := &archiverOptions{now: time.Now}
	for _, opt := range opts {
		opt(options)
	}

	client := options.s3Client
	if client == nil {
		awsOptions := []func(*config.LoadOptions) error{
			config.WithRegion(cfg.Region),
		}
		if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
			awsOptions = append(awsOptions,
				config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID,
					cfg.SecretKey,
					"",
				)),
			)
		}

		awsConfig, err := config.LoadDefaultConfig(ctx, awsOptions...)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFailedToLoadAWSConfig, err)
		}

		client = s3.NewFromConfig(awsConfig, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		})
	}

	return &S3Archiver{
		client: client,
		bucket: cfg.Bucket,
		now:    options.now,
	}, nil
}

// Archive writes a raw payload under {platform}/{yyyy/mm/dd}/{eventID}.json.
// Event IDs are stable across redeliveries, so rewrites are harmless.
func (a *S3Archiver) Archive(ctx context.Context, platform membership.Platform, eventID string, payload []byte) error {
	key := fmt.Sprintf("%s/%s/%s.json", platform, a.now().UTC().Format("2006/01/02"), eventID)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("%w: %s (code: %s)", ErrArchiveFailed, key, apiErr.ErrorCode())
		}
		return fmt.Errorf("%w: %s: %v", ErrArchiveFailed, key, err)
	}
	return nil
}
