package state

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"tradeconn/internal/order"
	"tradeconn/pkg/exception"
)

type S3Config struct {
	Bucket          string
	Key             string
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
}

// S3Sink keeps the latest snapshot as one object.
type S3Sink struct {
	client *s3.Client
	bucket string
	key    string
}

func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	var problems []string
	if cfg.Bucket == "" {
		problems = append(problems, "s3 bucket is required")
	}
	if cfg.Key == "" {
		problems = append(problems, "s3 object key is required")
	}
	if cfg.Region == "" {
		problems = append(problems, "s3 region is required")
	}
	if err := exception.NewFatalConfig(problems...); err != nil {
		return nil, err
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return &S3Sink{client: client, bucket: cfg.Bucket, key: cfg.Key}, nil
}

func (s *S3Sink) Save(ctx context.Context, snap order.Snapshot) error {
	data, err := sonic.ConfigStd.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return errors.Wrap(err, "put snapshot").With("bucket", s.bucket).With("key", s.key)
	}
	return nil
}

func (s *S3Sink) Load(ctx context.Context) (order.Snapshot, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if stderrors.As(err, &missing) {
			return order.Snapshot{}, nil
		}
		return order.Snapshot{}, errors.Wrap(err, "get snapshot").With("bucket", s.bucket).With("key", s.key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return order.Snapshot{}, errors.Wrap(err, "read snapshot")
	}
	var snap order.Snapshot
	if err := sonic.ConfigStd.Unmarshal(data, &snap); err != nil {
		return order.Snapshot{}, errors.Wrap(err, "unmarshal snapshot")
	}
	return snap, nil
}
