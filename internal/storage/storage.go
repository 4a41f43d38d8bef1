// Package storage presigns GET requests for media kept in S3-compatible
// object storage, so the gateway can proxy s3://bucket/key origins without
// exposing storage credentials or public bucket URLs to clients.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const Scheme = "s3"

var ErrInvalidLocation = errors.New("invalid s3 location")

type Storage struct {
	presigner *s3.PresignClient
}

type Config struct {
	Endpoint       string
	PublicEndpoint string // Used for presigned URLs; falls back to Endpoint if empty
	AccessKey      string
	SecretKey      string
	Region         string
}

func New(ctx context.Context, cfg Config) (*Storage, error) {
	if cfg.Region == "" {
		cfg.Region = "eu-central-1"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	presignEndpoint := cfg.Endpoint
	if cfg.PublicEndpoint != "" {
		presignEndpoint = cfg.PublicEndpoint
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if presignEndpoint != "" {
			o.BaseEndpoint = aws.String(presignEndpoint)
		}
		o.UsePathStyle = true
	})

	return &Storage{presigner: s3.NewPresignClient(client)}, nil
}

// PresignGet returns a time-limited GET URL for bucket/key. The Range header
// forwarded by the proxy is not part of the signature, so one URL serves
// every range request for the object.
func (s *Storage) PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	if s == nil {
		return "", fmt.Errorf("storage not initialized")
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}

	return req.URL, nil
}

// SplitLocation splits s3://bucket/key into its bucket and key.
func SplitLocation(u *url.URL) (bucket, key string, err error) {
	if !strings.EqualFold(u.Scheme, Scheme) {
		return "", "", fmt.Errorf("%w: scheme %q", ErrInvalidLocation, u.Scheme)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidLocation, u.Redacted())
	}
	return bucket, key, nil
}
