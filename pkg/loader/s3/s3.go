package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/menome/thelink/backend/pkg/apperr"
	"github.com/menome/thelink/backend/pkg/loader"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/singleflight"
)

// S3Loader reads plain-text objects from a bucket. Binary objects are
// rejected since only text documents are ingested.
type S3Loader struct {
	bucket string
	client *s3.Client

	cache   map[string][]byte
	cacheMu sync.RWMutex
	group   singleflight.Group
}

// NewS3LoaderWithClient reuses a preconfigured client.
func NewS3LoaderWithClient(bucket string, client *s3.Client) *S3Loader {
	return &S3Loader{
		bucket: bucket,
		client: client,
		cache:  make(map[string][]byte),
	}
}

// NewS3LoaderParams defines the configuration parameters for creating a new
// S3Loader.
//
// Endpoint allows overriding the S3 endpoint for S3-compatible storage such
// as MinIO, which also needs PathStyle.
type NewS3LoaderParams struct {
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// NewS3Loader creates an S3Loader with static credentials.
//
// Example:
//
//	l, err := s3.NewS3Loader(ctx, s3.NewS3LoaderParams{
//		Bucket:    "documents",
//		Endpoint:  "http://minio:9000",
//		Region:    "us-east-1",
//		AccessKey: os.Getenv("AWS_ACCESS_KEY"),
//		SecretKey: os.Getenv("AWS_SECRET_KEY"),
//		PathStyle: true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	loaded, err := l.LoadText(ctx, "uploads/terms.txt")
func NewS3Loader(ctx context.Context, params NewS3LoaderParams) (*S3Loader, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(params.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			params.AccessKey,
			params.SecretKey,
			"",
		)),
	}
	if params.Endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(params.Endpoint))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = params.PathStyle
	})
	return NewS3LoaderWithClient(params.Bucket, client), nil
}

func (l *S3Loader) LoadText(ctx context.Context, key string) (loader.Loaded, error) {
	body, err := l.get(ctx, key)
	if err != nil {
		return loader.Loaded{}, err
	}
	if !utf8.Valid(body) || bytes.IndexByte(body, 0) >= 0 {
		return loader.Loaded{}, apperr.Validation("s3.LoadText", "object %s is not plain text", key)
	}
	name := strings.TrimSuffix(path.Base(key), path.Ext(key))
	return loader.Loaded{Text: string(body), Title: name}, nil
}

func (l *S3Loader) get(ctx context.Context, key string) ([]byte, error) {
	l.cacheMu.RLock()
	if cached, ok := l.cache[key]; ok {
		l.cacheMu.RUnlock()
		return cached, nil
	}
	l.cacheMu.RUnlock()

	result, err, _ := l.group.Do(key, func() (any, error) {
		out, err := l.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(l.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var noKey *types.NoSuchKey
			if errors.As(err, &noKey) {
				return []byte(nil), apperr.NotFound("s3.GetObject", fmt.Errorf("object %s: %w", key, err))
			}
			return []byte(nil), apperr.Transient("s3.GetObject", err)
		}
		defer out.Body.Close()

		buf := new(bytes.Buffer)
		if _, err := io.Copy(buf, out.Body); err != nil {
			return []byte(nil), apperr.Transient("s3.GetObject", err)
		}
		byts := buf.Bytes()

		l.cacheMu.Lock()
		l.cache[key] = byts
		l.cacheMu.Unlock()
		return byts, nil
	})
	return result.([]byte), err
}
