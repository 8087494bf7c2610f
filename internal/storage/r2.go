package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// =============================================================================
// R2Archive Implementation
// =============================================================================

// R2Archive implements Archive on Cloudflare R2. R2 is S3-compatible, so
// the AWS SDK v2 is used with a custom endpoint.
type R2Archive struct {
	client     *s3.Client
	bucketName string
	logger     *slog.Logger
}

// NewR2Archive creates an R2Archive. The endpoint URL is derived from the
// account ID.
func NewR2Archive(cfg R2Config, logger *slog.Logger) (*R2Archive, error) {
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)

	creds := credentials.NewStaticCredentialsProvider(
		cfg.AccessKeyID,
		cfg.SecretAccessKey,
		"",
	)
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:           endpoint,
				SigningRegion: region,
			}, nil
		},
	)
	client := s3.NewFromConfig(aws.Config{
		Region:                      region,
		Credentials:                 creds,
		EndpointResolverWithOptions: resolver,
	})

	logger.Info("initialized R2 archive",
		"bucket", cfg.BucketName,
		"endpoint", endpoint,
	)

	return &R2Archive{
		client:     client,
		bucketName: cfg.BucketName,
		logger:     logger,
	}, nil
}

// =============================================================================
// Interface Implementation
// =============================================================================

func (a *R2Archive) Put(ctx context.Context, key string, body []byte, contentType string) error {
	if err := validateKey(key); err != nil {
		return &ArchiveError{Op: "Put", Key: key, Err: err}
	}

	// Archive objects are immutable.
	exists, err := a.Exists(ctx, key)
	if err != nil {
		return &ArchiveError{Op: "Put", Key: key, Err: fmt.Errorf("failed to check existence: %w", err)}
	}
	if exists {
		return &ArchiveError{Op: "Put", Key: key, Err: ErrKeyExists}
	}

	result, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return &ArchiveError{Op: "Put", Key: key, Err: wrapS3Error(err)}
	}

	a.logger.Debug("stored archive object in R2",
		"key", key,
		"etag", aws.ToString(result.ETag),
		"size", len(body),
	)
	return nil
}

func (a *R2Archive) Get(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	if err := validateKey(key); err != nil {
		return nil, ObjectInfo{}, &ArchiveError{Op: "Get", Key: key, Err: err}
	}

	result, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, ObjectInfo{}, &ArchiveError{Op: "Get", Key: key, Err: wrapS3Error(err)}
	}
	defer result.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(result.Body); err != nil {
		return nil, ObjectInfo{}, &ArchiveError{Op: "Get", Key: key, Err: err}
	}

	return buf.Bytes(), ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(result.ContentLength),
		ContentType:  aws.ToString(result.ContentType),
		LastModified: aws.ToTime(result.LastModified),
	}, nil
}

func (a *R2Archive) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, &ArchiveError{Op: "Exists", Key: key, Err: err}
	}

	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			if apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey" {
				return false, nil
			}
		}
		return false, &ArchiveError{Op: "Exists", Key: key, Err: wrapS3Error(err)}
	}
	return true, nil
}

// =============================================================================
// Internal Helpers
// =============================================================================

func validateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	for i := 0; i+1 < len(key); i++ {
		if key[i] == '.' && key[i+1] == '.' {
			return ErrInvalidKey
		}
	}
	return nil
}

// wrapS3Error converts S3 SDK errors into archive errors.
func wrapS3Error(err error) error {
	if err == nil {
		return nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return ErrNotFound
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return ErrNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey" {
			return ErrNotFound
		}
	}
	return fmt.Errorf("R2 operation failed: %w", err)
}
