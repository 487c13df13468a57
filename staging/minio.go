package staging

import (
	"context"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

// MinIO stages content as objects of a bucket on an S3 compatible server.
type MinIO struct {
	client *minio.Client
	bucket string
}

// NewMinIO returns a MinIO staging content in bucket at endpoint. The bucket
// is created if it does not exist.
func NewMinIO(endpoint, accessKey, secretKey, bucket string, secure bool) (*MinIO, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, errors.Wrap(err, "Could not create minio client")
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, errors.Wrapf(err, "Could not check bucket %s", bucket)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.Wrapf(err, "Could not create bucket %s", bucket)
		}
	}

	return &MinIO{client: client, bucket: bucket}, nil
}

// Put streams r to the bucket under key.
func (m *MinIO) Put(key string, r io.Reader) (int64, error) {
	info, err := m.client.PutObject(context.Background(), m.bucket, key, r, -1,
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// Open fetches the object stored under key starting at offset.
func (m *MinIO) Open(key string, offset int64) (io.ReadCloser, error) {
	ctx := context.Background()

	stat, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if offset >= stat.Size {
		return emptyReadCloser{}, nil
	}

	opts := minio.GetObjectOptions{}
	if offset > 0 {
		if err := opts.SetRange(offset, 0); err != nil {
			return nil, err
		}
	}
	return m.client.GetObject(ctx, m.bucket, key, opts)
}

// Delete removes key from the bucket.
func (m *MinIO) Delete(key string) error {
	return m.client.RemoveObject(context.Background(), m.bucket, key, minio.RemoveObjectOptions{})
}

// Exists returns true if the object exists, false otherwise
func (m *MinIO) Exists(key string) (bool, error) {
	_, err := m.client.StatObject(context.Background(), m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
