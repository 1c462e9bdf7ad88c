package sink

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config locates the bucket result objects are written to.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // optional, for S3-compatible stores such as MinIO
	PathStyle bool
	KeyPrefix string
}

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 uploads the result table as <KeyPrefix><run id>.csv.
type S3 struct {
	client objectPutter
	bucket string
	prefix string
}

func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3{client: client, bucket: cfg.Bucket, prefix: cfg.KeyPrefix}, nil
}

func (s *S3) Name() string { return "s3" }

// Key is the object key a batch is stored under.
func (s *S3) Key(b Batch) string {
	return s.prefix + b.RunID.String() + ".csv"
}

func (s *S3) Write(ctx context.Context, b Batch) error {
	t, err := b.Result.Table(b.Prefix)
	if err != nil {
		return wrap(s.Name(), err)
	}
	var buf bytes.Buffer
	if err := t.Write(&buf); err != nil {
		return wrap(s.Name(), err)
	}
	key := s.Key(b)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("text/csv"),
		Metadata: map[string]string{
			"run-id":  b.RunID.String(),
			"samples": fmt.Sprint(len(b.Result.Rows)),
		},
	})
	if err != nil {
		return wrap(s.Name(), fmt.Errorf("put %s: %w", key, err))
	}
	return nil
}
