package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
)

const (
	objectPrefix        = "blobs/"
	metaFilename        = "Original-Filename"
	metaContentType     = "Original-Content-Type"
	metaPlaintextSize   = "Plaintext-Size"
	sealedContentType   = "application/octet-stream"
	defaultMinIOTimeout = 10 * time.Second
)

type objectClient interface {
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, error)
	BucketExists(ctx context.Context, bucketName string) (bool, error)
}

// minioObjects adapts *minio.Client to objectClient.
type minioObjects struct {
	client *minio.Client
}

func (m minioObjects) StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	return m.client.StatObject(ctx, bucketName, objectName, opts)
}

func (m minioObjects) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return m.client.PutObject(ctx, bucketName, objectName, reader, objectSize, opts)
}

func (m minioObjects) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	return m.client.GetObject(ctx, bucketName, objectName, opts)
}

func (m minioObjects) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	return m.client.BucketExists(ctx, bucketName)
}

// MinIOStore keeps one object per identifier in a MinIO bucket, with the
// plaintext filename and content type as user metadata.
type MinIOStore struct {
	objects objectClient
	bucket  string
	timeout time.Duration
}

// NewMinIOStore constructs a store over client and bucket.
func NewMinIOStore(client *minio.Client, bucket string, timeout time.Duration) *MinIOStore {
	return newMinIOStore(minioObjects{client: client}, bucket, timeout)
}

func newMinIOStore(objects objectClient, bucket string, timeout time.Duration) *MinIOStore {
	if timeout <= 0 {
		timeout = defaultMinIOTimeout
	}
	return &MinIOStore{objects: objects, bucket: bucket, timeout: timeout}
}

// Put writes data unless the object already exists. The stat catches the
// common case early; the conditional put makes the server reject a write that
// lands on an object created after the stat.
func (s *MinIOStore) Put(ctx context.Context, id string, data []byte, meta Metadata) error {
	if !Verify(id, data) {
		return ErrDataInconsistent
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	name := objectName(id)
	_, err := s.objects.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
	switch {
	case err == nil:
		return ErrAlreadyExists
	case !isNoSuchKey(err):
		return unavailable("stat", err)
	}

	opts := minio.PutObjectOptions{
		ContentType: sealedContentType,
		UserMetadata: map[string]string{
			metaFilename:      url.PathEscape(meta.Filename),
			metaContentType:   meta.ContentType,
			metaPlaintextSize: strconv.FormatInt(meta.Size, 10),
		},
	}
	opts.SetMatchETagExcept("*")
	if _, err := s.objects.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		if isPreconditionFailed(err) {
			return ErrAlreadyExists
		}
		return unavailable("put", err)
	}
	return nil
}

func (s *MinIOStore) Get(ctx context.Context, id string) (Object, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	name := objectName(id)
	info, err := s.objects.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return Object{}, ErrNotFound
		}
		return Object{}, unavailable("stat", err)
	}

	reader, err := s.objects.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return Object{}, unavailable("get", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		if isNoSuchKey(err) {
			return Object{}, ErrNotFound
		}
		return Object{}, unavailable("read", err)
	}

	return Object{Metadata: metadataFromUser(info.UserMetadata), Data: data}, nil
}

func (s *MinIOStore) Stat(ctx context.Context, id string) (Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	info, err := s.objects.StatObject(ctx, s.bucket, objectName(id), minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return Metadata{}, ErrNotFound
		}
		return Metadata{}, unavailable("stat", err)
	}
	return metadataFromUser(info.UserMetadata), nil
}

func (s *MinIOStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	exists, err := s.objects.BucketExists(ctx, s.bucket)
	if err != nil {
		return unavailable("ping", err)
	}
	if !exists {
		return unavailable("ping", fmt.Errorf("bucket %q missing", s.bucket))
	}
	return nil
}

func objectName(id string) string {
	return objectPrefix + id
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func isPreconditionFailed(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "PreconditionFailed" || resp.StatusCode == http.StatusPreconditionFailed
}

func metadataFromUser(user map[string]string) Metadata {
	lookup := func(key string) string {
		for k, v := range user {
			if strings.EqualFold(k, key) {
				return v
			}
		}
		return ""
	}

	meta := Metadata{ContentType: lookup(metaContentType)}
	if name, err := url.PathUnescape(lookup(metaFilename)); err == nil {
		meta.Filename = name
	}
	if size, err := strconv.ParseInt(lookup(metaPlaintextSize), 10, 64); err == nil {
		meta.Size = size
	}
	return meta
}

var _ Store = (*MinIOStore)(nil)
