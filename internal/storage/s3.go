package storage

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	aws_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3Pool lazily builds the shared S3 client. Construction is deferred so a
// run that never touches s3:// assets does not need AWS configuration.
type s3Pool struct {
	cfg S3Config

	once   sync.Once
	client *s3.Client
	err    error
}

func newS3Pool(cfg S3Config) *s3Pool {
	return &s3Pool{cfg: cfg}
}

func createS3Config(s3Endpoint, s3Region string, creds aws.CredentialsProvider) (aws.Config, error) {
	opts := []func(*aws_config.LoadOptions) error{}

	if s3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) { // nolint:staticcheck
			return aws.Endpoint{ // nolint:staticcheck
				PartitionID:       "aws",
				URL:               s3Endpoint,
				SigningRegion:     s3Region,
				HostnameImmutable: true, // Important for MinIO
			}, nil
		})

		opts = append(opts, aws_config.WithEndpointResolverWithOptions(resolver)) // nolint:staticcheck
	}

	if s3Region != "" {
		opts = append(opts, aws_config.WithRegion(s3Region))
	}

	if creds != nil {
		opts = append(opts, aws_config.WithCredentialsProvider(creds))
	}

	return aws_config.LoadDefaultConfig(context.Background(), opts...)
}

func (p *s3Pool) get() (*s3.Client, error) {
	p.once.Do(func() {
		var creds aws.CredentialsProvider = nil
		if p.cfg.AccessKeyID != "" && p.cfg.SecretAccessKey != "" {
			creds = credentials.NewStaticCredentialsProvider(p.cfg.AccessKeyID, p.cfg.SecretAccessKey, "")
		}

		awsCfg, err := createS3Config(p.cfg.Endpoint, p.cfg.Region, creds)
		if err != nil {
			p.err = fmt.Errorf("failed to create aws config: %w", err)
			return
		}

		// This checks if credentials can be loaded from the environment, for
		// example from env variables or ~/.aws/credentials. If no credentials
		// are found, then we fallback to anonymous credentials, this is needed
		// to be able to access public s3 buckets such as sentinel-cogs.
		if _, err := awsCfg.Credentials.Retrieve(context.Background()); err != nil {
			awsCfg, err = createS3Config(p.cfg.Endpoint, p.cfg.Region, aws.AnonymousCredentials{})
			if err != nil {
				p.err = fmt.Errorf("failed to create aws config with anonymous credentials: %w", err)
				return
			}
		}

		p.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = true // Use path-style addressing (needed for MinIO)
		})
	})

	return p.client, p.err
}

func (p *s3Pool) open(ctx context.Context, bucket, key string) (SizedReaderAt, error) {
	client, err := p.get()
	if err != nil {
		return nil, err
	}

	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to stat s3://%s/%s: %w", bucket, key, err)
	}

	return &s3ReaderAt{
		client: client,
		bucket: bucket,
		key:    key,
		size:   aws.ToInt64(head.ContentLength),
	}, nil
}

// s3ReaderAt serves ReadAt calls with ranged GetObject requests, so windowed
// raster reads never pull whole objects.
type s3ReaderAt struct {
	client *s3.Client
	bucket string
	key    string
	size   int64
}

func (r *s3ReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= r.size {
		return 0, io.EOF
	}

	rng := fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1)

	resp, err := r.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key),
		Range:  aws.String(rng),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read %s from s3://%s/%s: %w", rng, r.bucket, r.key, err)
	}
	defer resp.Body.Close()

	n, err := io.ReadFull(resp.Body, p)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return n, io.EOF
		}
		return n, fmt.Errorf("error reading body %s from s3://%s/%s: %w", rng, r.bucket, r.key, err)
	}
	return n, nil
}

func (r *s3ReaderAt) Size() int64 { return r.size }

func (r *s3ReaderAt) Close() error { return nil }
