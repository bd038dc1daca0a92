package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeS3 keeps objects in memory and pages listings two at a time.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	puts    int
}

type fakeObject struct {
	body        []byte
	contentType string
	metadata    map[string]string
	modified    time.Time
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string]fakeObject)} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = fakeObject{
		body:        body,
		contentType: aws.ToString(in.ContentType),
		metadata:    in.Metadata,
		modified:    time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(obj.body)))}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.body)),
		ContentLength: aws.Int64(int64(len(obj.body))),
		ContentType:   aws.String(obj.contentType),
		Metadata:      obj.metadata,
		LastModified:  aws.Time(obj.modified),
	}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		for i, k := range keys {
			if k == *in.ContinuationToken {
				start = i
			}
		}
	}
	end := start + 2
	if end > len(keys) {
		end = len(keys)
	}
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		obj := f.objects[k]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(obj.body))),
			LastModified: aws.Time(obj.modified),
		})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func TestS3BlobStore_PutGet(t *testing.T) {
	fake := newFakeS3()
	store := &S3BlobStore{client: fake, bucket: "lims"}
	ctx := context.Background()

	meta, err := store.Put(ctx, BlobMetadata{
		Key:         "snapshots/one.json",
		ContentType: "application/json",
		CreatedBy:   "manager-1",
		Tags:        map[string]string{"kind": "lims-state"},
	}, strings.NewReader(`{"ok":true}`))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if meta.Size != 11 || meta.Hash == "" {
		t.Errorf("unexpected metadata: %+v", meta)
	}
	if got := fake.objects["snapshots/one.json"].metadata["tag-kind"]; got != "lims-state" {
		t.Errorf("expected tag stored as object metadata, got %q", got)
	}

	rc, got, err := store.Get(ctx, "snapshots/one.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != `{"ok":true}` {
		t.Errorf("unexpected body %q", body)
	}
	if got.Hash != meta.Hash || got.CreatedBy != "manager-1" || got.Tags["kind"] != "lims-state" {
		t.Errorf("expected metadata round trip, got %+v", got)
	}
	if got.ContentType != "application/json" {
		t.Errorf("expected content type, got %s", got.ContentType)
	}
}

func TestS3BlobStore_CreateOnly(t *testing.T) {
	fake := newFakeS3()
	store := &S3BlobStore{client: fake, bucket: "lims"}
	ctx := context.Background()

	if _, err := store.Put(ctx, BlobMetadata{Key: "k"}, strings.NewReader("a")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := store.Put(ctx, BlobMetadata{Key: "k"}, strings.NewReader("b")); !errors.Is(err, ErrBlobExists) {
		t.Errorf("expected ErrBlobExists, got %v", err)
	}
	if fake.puts != 1 {
		t.Errorf("expected a single PutObject call, got %d", fake.puts)
	}
}

func TestS3BlobStore_GetMissing(t *testing.T) {
	store := &S3BlobStore{client: newFakeS3(), bucket: "lims"}
	if _, _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
}

func TestS3BlobStore_ListPages(t *testing.T) {
	fake := newFakeS3()
	store := &S3BlobStore{client: fake, bucket: "lims"}
	ctx := context.Background()
	for _, k := range []string{"snapshots/3", "snapshots/1", "snapshots/2", "snapshots/4", "snapshots/5", "other"} {
		if _, err := store.Put(ctx, BlobMetadata{Key: k}, strings.NewReader(k)); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}

	items, err := store.List(ctx, "snapshots/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 5 {
		t.Fatalf("expected 5 items across pages, got %d", len(items))
	}
	for i, item := range items {
		want := "snapshots/" + string(rune('1'+i))
		if item.Key != want {
			t.Errorf("position %d: expected %s, got %s", i, want, item.Key)
		}
	}
}

func TestNewS3BlobStore(t *testing.T) {
	if _, err := NewS3BlobStore(context.Background(), S3Config{}); err == nil {
		t.Error("expected error without a bucket")
	}

	store, err := NewS3BlobStore(context.Background(), S3Config{
		Bucket:          "lims-snapshots",
		Endpoint:        "http://localhost:9000",
		PathStyle:       true,
		AccessKeyID:     "minio",
		SecretAccessKey: "minio123",
	})
	if err != nil {
		t.Fatalf("NewS3BlobStore: %v", err)
	}
	if store.Bucket() != "lims-snapshots" {
		t.Errorf("expected bucket lims-snapshots, got %s", store.Bucket())
	}
}
