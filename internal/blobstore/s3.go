package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"disposisi-go/internal/model"
)

// S3Backend stores blobs in an S3 bucket:
//
//	<prefix>chunks/<blobID>/chunk-000000
//	<prefix>meta/<blobID>.json
//
// S3 object PUTs are atomic, so publishing the metadata object is the commit
// point just as on the filesystem.
type S3Backend struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// S3Options configures an S3 backend. AccessKey/SecretKey are optional; when
// empty the default AWS credential chain is used.
type S3Options struct {
	Bucket    string
	Prefix    string
	Region    string
	AccessKey string
	SecretKey string
}

// NewS3Backend creates an S3 backend for the given bucket and key prefix.
func NewS3Backend(ctx context.Context, opts S3Options) (*S3Backend, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 backend requires a bucket")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	prefix := opts.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &S3Backend{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   opts.Bucket,
		prefix:   prefix,
	}, nil
}

func (b *S3Backend) chunkKey(blobID string, index int) string {
	return fmt.Sprintf("%schunks/%s/%s", b.prefix, blobID, chunkName(index))
}

func (b *S3Backend) metaKey(blobID string) string {
	return fmt.Sprintf("%smeta/%s.json", b.prefix, blobID)
}

func (b *S3Backend) WriteChunk(ctx context.Context, blobID string, index int, data []byte) error {
	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.chunkKey(blobID, index)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("uploading chunk %d of blob %s: %w", index, blobID, err)
	}
	return nil
}

func (b *S3Backend) ReadChunk(ctx context.Context, blobID string, index int) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.chunkKey(blobID, index)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: chunk %d of blob %s", ErrChunkNotFound, index, blobID)
		}
		return nil, fmt.Errorf("fetching chunk %d of blob %s: %w", index, blobID, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading chunk %d of blob %s: %w", index, blobID, err)
	}
	return data, nil
}

func (b *S3Backend) DeleteChunks(ctx context.Context, blobID string) error {
	prefix := fmt.Sprintf("%schunks/%s/", b.prefix, blobID)
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("listing chunks of blob %s: %w", blobID, err)
		}
		for _, obj := range page.Contents {
			_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(b.bucket),
				Key:    obj.Key,
			})
			if err != nil {
				return fmt.Errorf("deleting chunk object %s: %w", aws.ToString(obj.Key), err)
			}
		}
	}
	return nil
}

func (b *S3Backend) PublishInfo(ctx context.Context, info model.BlobInfo) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encoding blob metadata: %w", err)
	}

	_, err = b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.metaKey(info.ID)),
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		return fmt.Errorf("publishing blob metadata: %w", err)
	}
	return nil
}

func (b *S3Backend) ReadInfo(ctx context.Context, blobID string) (model.BlobInfo, bool, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.metaKey(blobID)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return model.BlobInfo{}, false, nil
		}
		return model.BlobInfo{}, false, fmt.Errorf("fetching blob metadata: %w", err)
	}
	defer out.Body.Close()

	payload, err := io.ReadAll(out.Body)
	if err != nil {
		return model.BlobInfo{}, false, fmt.Errorf("reading blob metadata: %w", err)
	}

	var info model.BlobInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return model.BlobInfo{}, false, fmt.Errorf("decoding blob metadata: %w", err)
	}
	return info, true, nil
}

func (b *S3Backend) DeleteInfo(ctx context.Context, blobID string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.metaKey(blobID)),
	})
	if err != nil {
		return fmt.Errorf("deleting blob metadata: %w", err)
	}
	return nil
}

func (b *S3Backend) ListInfo(ctx context.Context) ([]model.BlobInfo, error) {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.prefix + "meta/"),
	})

	var infos []model.BlobInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing blob metadata: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".json") {
				continue
			}
			blobID := strings.TrimSuffix(strings.TrimPrefix(key, b.prefix+"meta/"), ".json")
			info, ok, err := b.ReadInfo(ctx, blobID)
			if err != nil {
				return nil, err
			}
			if ok {
				infos = append(infos, info)
			}
		}
	}
	return infos, nil
}

// ValidateSetup verifies the bucket is reachable.
func (b *S3Backend) ValidateSetup(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		return fmt.Errorf("s3 bucket not accessible: %w", err)
	}
	return nil
}

// Compile-time check that S3Backend implements the Backend interface
var _ Backend = (*S3Backend)(nil)
