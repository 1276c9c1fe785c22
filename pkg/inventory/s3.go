package inventory

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/fieldops/ztpd/pkg/errors"
)

// S3Source reads device data from an S3 bucket laid out as
// <prefix>/<device>.cfg and <prefix>/<device>.serial.
type S3Source struct {
	s3Client *s3.Client
	bucket   string
	prefix   string
}

// NewS3Source creates an S3-backed inventory source using the default AWS
// credential chain.
func NewS3Source(ctx context.Context, bucket, region, prefix string) (*S3Source, error) {
	slog.Info("s3_inventory_init", "bucket", bucket, "region", region, "prefix", prefix)

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &S3Source{
		s3Client: s3.NewFromConfig(cfg),
		bucket:   bucket,
		prefix:   prefix,
	}, nil
}

func (s *S3Source) fetchObject(ctx context.Context, key string) (string, error) {
	result, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if stderrors.As(err, &notFound) {
			return "", err
		}
		slog.Error("s3_get_object_failed", "s3_key", key, "error", err)
		return "", errors.Wrap(err, "failed to get object from S3")
	}
	defer result.Body.Close()

	body, err := io.ReadAll(result.Body)
	if err != nil {
		return "", errors.Wrap(err, "failed to read object body")
	}
	slog.Debug("s3_object_fetched", "s3_key", key, "size", len(body))
	return string(body), nil
}

// FetchConfig returns the device's intended configuration text.
func (s *S3Source) FetchConfig(ctx context.Context, device string) (string, error) {
	key := path.Join(s.prefix, device+".cfg")
	body, err := s.fetchObject(ctx, key)
	if err != nil {
		var notFound *types.NoSuchKey
		if stderrors.As(err, &notFound) {
			return "", errors.Wrapf(ErrConfigNotFound, "s3 key %q", key)
		}
		return "", err
	}
	return body, nil
}

// FetchExpectedIdentity returns the serial number recorded for the device.
func (s *S3Source) FetchExpectedIdentity(ctx context.Context, device string) (string, error) {
	key := path.Join(s.prefix, device+".serial")
	body, err := s.fetchObject(ctx, key)
	if err != nil {
		var notFound *types.NoSuchKey
		if stderrors.As(err, &notFound) {
			return "", errors.Wrapf(ErrIdentityNotFound, "s3 key %q", key)
		}
		return "", err
	}
	serial := strings.TrimSpace(body)
	if serial == "" {
		return "", errors.Wrapf(ErrIdentityNotFound, "s3 key %q is empty", key)
	}
	return serial, nil
}
