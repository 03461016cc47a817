package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Backend stores artifacts in S3 or any S3-compatible store (MinIO).
type S3Backend struct {
	client     *s3.Client
	presigner  *s3.PresignClient
	bucket     string
	pathPrefix string
}

// S3Config holds S3 backend configuration.
type S3Config struct {
	// Endpoint for S3-compatible stores (empty for AWS S3)
	Endpoint string

	// Bucket name
	Bucket string

	// Region
	Region string

	// Credentials (empty to use the default credential chain)
	AccessKeyID     string
	SecretAccessKey string

	// UseSSL for custom endpoints
	UseSSL bool

	// PathPrefix prepended to all object keys
	PathPrefix string
}

// NewS3Backend creates a new S3 storage backend.
func NewS3Backend(cfg *S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			scheme := "http"
			if cfg.UseSSL {
				scheme = "https"
			}
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
			}
			o.BaseEndpoint = aws.String(endpoint)
			// MinIO requires path-style addressing
			o.UsePathStyle = true
		}
	})

	return &S3Backend{
		client:     client,
		presigner:  s3.NewPresignClient(client),
		bucket:     cfg.Bucket,
		pathPrefix: cfg.PathPrefix,
	}, nil
}

func (b *S3Backend) objectKey(path string) string {
	if b.pathPrefix == "" {
		return path
	}
	return strings.TrimSuffix(b.pathPrefix, "/") + "/" + path
}

func (b *S3Backend) uri(key string) string {
	return fmt.Sprintf("s3://%s/%s", b.bucket, key)
}

// extractKey recovers the object key from an artifact URI.
func (b *S3Backend) extractKey(uri string) (string, error) {
	prefix := fmt.Sprintf("s3://%s/", b.bucket)
	if !strings.HasPrefix(uri, prefix) {
		return "", fmt.Errorf("uri %q does not belong to bucket %q", uri, b.bucket)
	}
	return strings.TrimPrefix(uri, prefix), nil
}

func (b *S3Backend) Put(ctx context.Context, path string, data io.Reader, contentType string) (*Ref, error) {
	content, err := io.ReadAll(data)
	if err != nil {
		return nil, fmt.Errorf("read artifact data: %w", err)
	}

	sum := sha256.Sum256(content)
	checksum := hex.EncodeToString(sum[:])

	key := b.objectKey(path)
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(string(content)),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"checksum-sha256": checksum,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("put object: %w", err)
	}

	return &Ref{
		URI:         b.uri(key),
		ContentType: contentType,
		Size:        int64(len(content)),
		Checksum:    checksum,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (b *S3Backend) Get(ctx context.Context, ref *Ref) (io.ReadCloser, error) {
	key, err := b.extractKey(ref.URI)
	if err != nil {
		return nil, err
	}

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	return out.Body, nil
}

func (b *S3Backend) Delete(ctx context.Context, ref *Ref) error {
	key, err := b.extractKey(ref.URI)
	if err != nil {
		return err
	}

	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (b *S3Backend) List(ctx context.Context, prefix string) ([]*Ref, error) {
	key := b.objectKey(prefix)

	var refs []*Ref
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(key),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			ref := &Ref{
				URI:  b.uri(aws.ToString(obj.Key)),
				Size: aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				ref.CreatedAt = *obj.LastModified
			}
			refs = append(refs, ref)
		}
	}

	return refs, nil
}

func (b *S3Backend) PresignGet(ctx context.Context, ref *Ref, expiry time.Duration) (string, error) {
	key, err := b.extractKey(ref.URI)
	if err != nil {
		return "", err
	}

	req, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return req.URL, nil
}

func (b *S3Backend) PresignPut(ctx context.Context, path string, contentType string, expiry time.Duration) (string, error) {
	req, err := b.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.objectKey(path)),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presign put: %w", err)
	}
	return req.URL, nil
}

var _ Backend = (*S3Backend)(nil)
var _ Backend = (*MemoryBackend)(nil)
