package s3

import (
	"bytes"
	"io"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

type S3 struct {
	bucket   string
	prefix   string
	uploader *s3manager.Uploader
}

func New(bucket, prefix string) (*S3, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, err
	}

	return &S3{
		bucket:   bucket,
		prefix:   prefix,
		uploader: s3manager.NewUploader(sess),
	}, nil
}

func (s *S3) key(p string) *string {
	if s.prefix == "" {
		return aws.String(p)
	}
	return aws.String(path.Join(s.prefix, p))
}

func (s *S3) Write(p string, content []byte) error {
	_, err := s.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(p),
		Body:   bytes.NewBuffer(content),
	})
	return err
}

func (s *S3) Read(p string) ([]byte, error) {
	obj, err := s.uploader.S3.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(p),
	})
	if err != nil {
		return nil, err
	}
	defer obj.Body.Close()

	return io.ReadAll(obj.Body)
}

func (s *S3) Exists(p string) (bool, error) {
	_, err := s.uploader.S3.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(p),
	})
	if err == nil {
		return true, nil
	}
	if aerr, ok := err.(awserr.RequestFailure); ok && aerr.StatusCode() == 404 {
		return false, nil
	}
	return false, err
}
