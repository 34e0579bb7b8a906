package remotefile

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	errspkg "github.com/atsora/cncqueue/internal/runtime/errors"
)

// ObjectGetter is the part of the S3 client used by S3.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 downloads files from an S3-compatible bucket. The remote directory has
// the form "bucket" or "bucket/prefix".
type S3 struct {
	client ObjectGetter
}

// NewS3 creates an S3 getter from the default AWS configuration. If endpoint
// is non-empty, path-style addressing is enabled (for MinIO and similar).
func NewS3(ctx context.Context, region, endpoint string) (*S3, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3opts []func(*s3.Options)
	if endpoint != "" {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	return NewS3WithClient(s3.NewFromConfig(cfg, s3opts...)), nil
}

// NewS3WithClient creates an S3 getter over an existing client.
func NewS3WithClient(client ObjectGetter) *S3 {
	return &S3{client: client}
}

// SplitLocation splits a remote directory into its bucket and key prefix.
func SplitLocation(remoteDirectory string) (bucket, prefix string, err error) {
	trimmed := strings.Trim(strings.TrimPrefix(remoteDirectory, "s3://"), "/")
	bucket, prefix, _ = strings.Cut(trimmed, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("no bucket in remote directory %q", remoteDirectory)
	}
	return bucket, prefix, nil
}

// GetFile implements queue.FileGetter.
func (g *S3) GetFile(ctx context.Context, remoteDirectory, remoteFileName, localPath string) error {
	bucket, prefix, err := SplitLocation(remoteDirectory)
	if err != nil {
		return err
	}
	key := path.Join(prefix, remoteFileName)

	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classify(bucket, key, err)
	}
	defer out.Body.Close()

	if err := writeAtomic(localPath, out.Body); err != nil {
		return fmt.Errorf("s3 get object s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

func classify(bucket, key string, err error) error {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: s3://%s/%s", errspkg.ErrRemoteFileNotFound, bucket, key)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return fmt.Errorf("%w: s3://%s/%s: %s", errspkg.ErrRemoteFileNotFound, bucket, key, apiErr.ErrorCode())
		}
		return fmt.Errorf("s3 get object s3://%s/%s: %s: %w", bucket, key, apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("s3 get object s3://%s/%s: %w", bucket, key, err)
}
