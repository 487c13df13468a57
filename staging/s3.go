package staging

import (
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
)

// AWSS3 stages content as objects of an S3 bucket.
type AWSS3 struct {
	bucket   string
	uploader *s3manager.Uploader
	S3Client *s3.S3
}

// NewAWSS3 returns an AWSS3 staging content in bucket.
func NewAWSS3(region string, bucket string) (*AWSS3, error) {
	s3Session, err := session.NewSession(&aws.Config{
		Region: aws.String(region)})
	if err != nil {
		return nil, errors.Wrap(err, "Could not create AWS session")
	}

	return &AWSS3{bucket: bucket,
		uploader: s3manager.NewUploader(s3Session),
		S3Client: s3.New(s3Session),
	}, nil
}

// Put uploads the contents of r to the bucket under key.
func (b AWSS3) Put(key string, r io.Reader) (int64, error) {
	cr := &countingReader{r: r}
	_, err := b.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   cr,
	})
	return cr.n, err
}

// Open fetches the object stored under key starting at offset.
func (b AWSS3) Open(key string, offset int64) (io.ReadCloser, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}
	if offset > 0 {
		in.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}

	out, err := b.S3Client.GetObject(in)
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok {
			switch aerr.Code() {
			case s3.ErrCodeNoSuchKey:
				return nil, ErrNotFound
			case "InvalidRange":
				// offset is at the end of the object
				return emptyReadCloser{}, nil
			}
		}
		return nil, err
	}
	return out.Body, nil
}

// Delete deletes key from the AWS S3 bucket
func (b AWSS3) Delete(key string) error {
	_, err := b.S3Client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	return err
}

// Exists returns true if the object exists, false otherwise
func (b AWSS3) Exists(key string) (bool, error) {
	_, err := b.S3Client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		// HEAD responses carry no body, so a missing key is a plain 404
		if aerr, ok := err.(awserr.Error); ok && (aerr.Code() == "NotFound" || aerr.Code() == s3.ErrCodeNoSuchKey) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
