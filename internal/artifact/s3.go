package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/andresmejia3/mugfer/internal/config"
)

// S3Store keeps artifacts as objects under Prefix in Bucket.
type S3Store struct {
	Bucket string
	Prefix string

	client s3iface.S3API
}

// NewS3Store creates a client from the default credential chain.
func NewS3Store(cfg config.ArtifactConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("artifact: s3 backend requires a bucket")
	}

	awsCfg := aws.NewConfig()
	if cfg.Region != "" {
		awsCfg = awsCfg.WithRegion(cfg.Region)
	}
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("artifact: s3 session: %w", err)
	}
	return newS3Store(s3.New(sess), cfg.Bucket, cfg.Prefix), nil
}

func newS3Store(client s3iface.S3API, bucket, prefix string) *S3Store {
	return &S3Store{Bucket: bucket, Prefix: strings.Trim(prefix, "/"), client: client}
}

func (s *S3Store) key(name string) string {
	if s.Prefix == "" {
		return name
	}
	return path.Join(s.Prefix, name)
}

func (s *S3Store) Put(ctx context.Context, name string, data []byte) error {
	uploader := s3manager.NewUploaderWithClient(s.client)
	_, err := uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(s.key(name)),
		ContentType: aws.String("application/octet-stream"),
		Body:        bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("artifact: upload %s: %w", s.key(name), err)
	}
	log.Debugf("artifact: uploaded s3://%s/%s", s.Bucket, s.key(name))
	return nil
}

func (s *S3Store) Get(ctx context.Context, name string) ([]byte, error) {
	resp, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, s.Bucket, s.key(name))
		}
		return nil, fmt.Errorf("artifact: download %s: %w", s.key(name), err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (s *S3Store) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.key(name)),
	})
	return err
}

func (s *S3Store) List(ctx context.Context) ([]string, error) {
	prefix := ""
	if s.Prefix != "" {
		prefix = s.Prefix + "/"
	}

	var names []string
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.StringValue(obj.Key), prefix)
			if name != "" && !strings.Contains(name, "/") {
				names = append(names, name)
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("artifact: list s3://%s/%s: %w", s.Bucket, prefix, err)
	}
	sort.Strings(names)
	return names, nil
}
