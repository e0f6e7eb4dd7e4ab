package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "bhavflow/config"
	"bhavflow/logger"
)

// objectMirror receives a copy of every part file the parquet store
// commits and forgets the parts it removes.
type objectMirror interface {
	Put(ctx context.Context, key string, data []byte, meta map[string]string) error
	Delete(ctx context.Context, key string) error
}

// S3Mirror copies parquet parts to an S3 bucket under an optional prefix.
type S3Mirror struct {
	client *s3.Client
	bucket string
	prefix string
	log    *logger.Log
}

// NewS3Mirror configures the AWS SDK from cfg. Static credentials are used
// when both keys are set; otherwise the default provider chain applies.
func NewS3Mirror(ctx context.Context, cfg appconfig.S3Config) (*S3Mirror, error) {
	log := logger.GetLogger()

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("s3_mirror").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	log.WithComponent("s3_mirror").WithFields(logger.Fields{
		"bucket":     cfg.Bucket,
		"prefix":     cfg.Prefix,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
	}).Info("s3 mirror initialized")

	return &S3Mirror{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		log:    log,
	}, nil
}

func (m *S3Mirror) objectKey(key string) string {
	if m.prefix == "" {
		return key
	}
	return path.Join(m.prefix, key)
}

func (m *S3Mirror) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	key = m.objectKey(key)
	log := m.log.WithComponent("s3_mirror").WithFields(logger.Fields{
		"operation": "put",
		"s3_key":    key,
		"data_size": len(data),
	})

	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata:    meta,
	})
	if err != nil {
		log.WithError(err).WithEnv("S3_BUCKET").Error("failed to upload part")
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", m.bucket, err)
	}
	log.Debug("part uploaded")
	return nil
}

func (m *S3Mirror) Delete(ctx context.Context, key string) error {
	key = m.objectKey(key)
	_, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete s3://%s/%s: %w", m.bucket, key, err)
	}
	return nil
}
