package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const (
	metaHash      = "sha256"
	metaCreatedBy = "created-by"
	tagPrefix     = "tag-"
)

// s3API is the subset of the S3 client the store uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config configures an S3 or S3-compatible (MinIO) bucket. Credentials
// fall back to the default AWS chain when AccessKeyID is empty.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

type S3BlobStore struct {
	client s3API
	bucket string
}

func NewS3BlobStore(ctx context.Context, cfg S3Config) (*S3BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3BlobStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3BlobStore) Bucket() string { return s.bucket }

func (s *S3BlobStore) Put(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	if meta.Key == "" {
		return nil, ErrMissingKey
	}
	data, hash, err := readBlob(content)
	if err != nil {
		return nil, err
	}

	// S3 has no create-only put; check first.
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &meta.Key}); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrBlobExists, meta.Key)
	} else if !isNotFound(err) {
		return nil, fmt.Errorf("head %s: %w", meta.Key, err)
	}

	md := map[string]string{metaHash: hash}
	if meta.CreatedBy != "" {
		md[metaCreatedBy] = meta.CreatedBy
	}
	for k, v := range meta.Tags {
		md[tagPrefix+k] = v
	}
	input := &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &meta.Key,
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      md,
	}
	if meta.ContentType != "" {
		input.ContentType = aws.String(meta.ContentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return nil, fmt.Errorf("put %s: %w", meta.Key, err)
	}

	meta.Size = int64(len(data))
	meta.Hash = hash
	meta.CreatedAt = time.Now().UTC()
	meta.Tags = copyTags(meta.Tags)
	return &meta, nil
}

func (s *S3BlobStore) Get(ctx context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		if isNotFound(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
		}
		return nil, nil, fmt.Errorf("get %s: %w", key, err)
	}
	meta := fromObject(key, aws.ToInt64(out.ContentLength), aws.ToString(out.ContentType), out.Metadata, out.LastModified)
	return out.Body, &meta, nil
}

// List pages through every object under prefix. Listing does not return
// user metadata, so hash and tags are empty here.
func (s *S3BlobStore) List(ctx context.Context, prefix string) ([]*BlobMetadata, error) {
	out := make([]*BlobMetadata, 0)
	var token *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            &prefix,
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			m := fromObject(aws.ToString(obj.Key), aws.ToInt64(obj.Size), "", nil, obj.LastModified)
			out = append(out, &m)
		}
		if !aws.ToBool(page.IsTruncated) || page.NextContinuationToken == nil {
			break
		}
		token = page.NextContinuationToken
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func fromObject(key string, size int64, contentType string, md map[string]string, lastModified *time.Time) BlobMetadata {
	meta := BlobMetadata{Key: key, Size: size, ContentType: contentType}
	if lastModified != nil {
		meta.CreatedAt = lastModified.UTC()
	}
	for k, v := range md {
		k = strings.ToLower(k)
		switch {
		case k == metaHash:
			meta.Hash = v
		case k == metaCreatedBy:
			meta.CreatedBy = v
		case strings.HasPrefix(k, tagPrefix):
			if meta.Tags == nil {
				meta.Tags = make(map[string]string)
			}
			meta.Tags[strings.TrimPrefix(k, tagPrefix)] = v
		}
	}
	return meta
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}
