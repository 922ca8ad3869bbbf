// Package blob stores raw scraped payloads outside the item store. Items keep only the returned
// reference.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"tender-pipeline/internal/config"
)

// Store writes and reads payload blobs addressed by an opaque reference.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// New picks S3-compatible storage when a bucket is configured, local disk otherwise.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	if cfg.BlobS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &S3{client: client, bucket: cfg.BlobS3Bucket}, nil
	}
	dir := cfg.BlobDir
	if dir == "" {
		dir = "./data/payloads"
	}
	return NewLocal(dir)
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.BlobS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BlobS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BlobS3Endpoint)
		}
		o.UsePathStyle = cfg.BlobS3PathStyle
	}), nil
}

// Key builds the object key for a payload: <source>/<fingerprint>.json.
func Key(source, fingerprint string) string {
	return sanitizeKey(strings.ToLower(source) + "/" + fingerprint + ".json")
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
}

// Local stores blobs under a base directory and returns file:// references.
type Local struct {
	baseDir string
}

func NewLocal(baseDir string) (*Local, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve blob dir: %w", err)
	}
	return &Local{baseDir: abs}, nil
}

func (l *Local) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(sanitizeKey(key)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return "file://" + filepath.ToSlash(path), nil
}

func (l *Local) Get(_ context.Context, ref string) ([]byte, error) {
	path, ok := strings.CutPrefix(ref, "file://")
	if !ok {
		return nil, fmt.Errorf("not a local blob reference: %q", ref)
	}
	path = filepath.FromSlash(path)
	rel, err := filepath.Rel(l.baseDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("blob reference outside store: %q", ref)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return body, nil
}

// S3 stores blobs in an S3-compatible bucket (AWS, DigitalOcean Spaces, MinIO).
type S3 struct {
	client *s3.Client
	bucket string
}

func (s *S3) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func (s *S3) Get(ctx context.Context, ref string) ([]byte, error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return nil, fmt.Errorf("not an s3 blob reference: %q", ref)
	}
	if u.Host != s.bucket {
		return nil, errors.New("blob reference points at another bucket: " + u.Host)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(strings.TrimPrefix(u.Path, "/")),
	})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
