package backend

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3Fetcher pulls state from an S3 object.
type s3Fetcher struct {
	cfg *Config

	// client is lazily constructed on first fetch and replaceable in
	// tests.
	client s3Getter
}

type s3Getter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

func newS3Fetcher(cfg *Config) *s3Fetcher {
	return &s3Fetcher{cfg: cfg}
}

func (f *s3Fetcher) ensureClient(ctx context.Context) error {
	if f.client != nil {
		return nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if f.cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(f.cfg.Region))
	}
	if f.cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(f.cfg.Profile))
	}
	if f.cfg.SessionToken != "" {
		// Session-token auth rides on the ambient key pair.
		id := envOr("AWS_ACCESS_KEY_ID", "")
		secret := envOr("AWS_SECRET_ACCESS_KEY", "")
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(id, secret, f.cfg.SessionToken)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return wrap(KindConfig, "failed to load AWS config", err)
	}

	f.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if f.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(f.cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return nil
}

func (f *s3Fetcher) Fetch(ctx context.Context) (*Payload, error) {
	if err := f.ensureClient(ctx); err != nil {
		return nil, err
	}

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.cfg.Bucket),
		Key:    aws.String(f.cfg.Key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		var noBucket *s3types.NoSuchBucket
		switch {
		case errors.As(err, &noKey), errors.As(err, &noBucket):
			return nil, wrap(KindNotFound, "state object not found", err)
		default:
			return nil, wrap(KindTransport, "failed to get state from S3", err)
		}
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, wrap(KindTransport, "failed to read state body", err)
	}
	return &Payload{Backend: TypeS3, SizeBytes: len(data), Raw: data}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
