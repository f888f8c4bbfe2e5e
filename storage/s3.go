package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-svc/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// grantQueryParam makes every presigned URL unique even when two grants for
// the same key are signed within the same second.
const grantQueryParam = "grant"

type S3Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	// MaxAttempts bounds SDK retries for HeadObject. Zero keeps the SDK default.
	MaxAttempts int
}

// S3Store talks to any S3-compatible bucket (Cloudflare R2, MinIO, AWS).
type S3Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	logger    *zap.Logger
	now       func() time.Time
}

func NewS3Store(cfg S3Config, logger *zap.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage bucket is not configured")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("storage credentials are not configured")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg := aws.Config{
		Region:      region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.MaxAttempts > 0 {
			o.RetryMaxAttempts = cfg.MaxAttempts
		}
	})

	logger.Info("Object store initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("bucket", cfg.Bucket),
	)

	return &S3Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (s *S3Store) IssueSignedURL(ctx context.Context, objectKey string, expiresIn time.Duration) (models.DownloadGrant, error) {
	grantID := uuid.NewString()
	issuedAt := s.now()

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	}, s3.WithPresignExpires(expiresIn), withGrantID(grantID))
	if err != nil {
		return models.DownloadGrant{}, fmt.Errorf("failed to presign %s: %w", objectKey, err)
	}

	return models.DownloadGrant{
		ID:        grantID,
		URL:       req.URL,
		ObjectKey: objectKey,
		ExpiresAt: issuedAt.Add(expiresIn),
	}, nil
}

func (s *S3Store) ObjectExists(ctx context.Context, objectKey string) bool {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		s.logger.Warn("Object existence check failed",
			zap.String("object_key", objectKey),
			zap.Error(err),
		)
		return false
	}
	return true
}

// withGrantID adds the grant id to the query string before signing, so it
// is covered by the signature.
func withGrantID(grantID string) func(*s3.PresignOptions) {
	return func(po *s3.PresignOptions) {
		po.ClientOptions = append(po.ClientOptions, func(o *s3.Options) {
			o.APIOptions = append(o.APIOptions, func(stack *middleware.Stack) error {
				return stack.Build.Add(middleware.BuildMiddlewareFunc("DownloadGrantID",
					func(ctx context.Context, in middleware.BuildInput, next middleware.BuildHandler) (middleware.BuildOutput, middleware.Metadata, error) {
						if req, ok := in.Request.(*smithyhttp.Request); ok {
							q := req.URL.Query()
							q.Set(grantQueryParam, grantID)
							req.URL.RawQuery = q.Encode()
						}
						return next.HandleBuild(ctx, in)
					}), middleware.After)
			})
		})
	}
}
