package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rapidalle/rapidalle/internal/ai"
	"github.com/rapidalle/rapidalle/internal/config"
)

const (
	maxImageBytes = 10 << 20
	uploadTimeout = 30 * time.Second
	cacheControl  = "public, max-age=31536000"
)

// ErrTooLarge is returned when the source image exceeds the download bound.
var ErrTooLarge = errors.New("media: image exceeds 10 MiB")

// ObjectPutter is the S3 call the re-hoster needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Rehoster copies generated images into an S3-compatible bucket.
type Rehoster struct {
	s3         ObjectPutter
	httpClient *http.Client
	bucket     string
	publicBase string
	keyPrefix  string
}

// NewRehoster wraps an existing S3 client.
func NewRehoster(client ObjectPutter, bucket, publicBaseURL, keyPrefix string) *Rehoster {
	return &Rehoster{
		s3:         client,
		httpClient: &http.Client{Timeout: uploadTimeout},
		bucket:     bucket,
		publicBase: strings.TrimRight(publicBaseURL, "/"),
		keyPrefix:  strings.Trim(keyPrefix, "/"),
	}
}

// New builds a Rehoster from cfg. It returns nil when re-hosting is disabled.
func New(ctx context.Context, cfg config.MediaConfig) (*Rehoster, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, errLoad := awsconfig.LoadDefaultConfig(ctx, opts...)
	if errLoad != nil {
		return nil, fmt.Errorf("media: load aws config: %w", errLoad)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return NewRehoster(client, cfg.Bucket, cfg.PublicBaseURL, cfg.KeyPrefix), nil
}

// Rehost uploads img under key and returns its public URL.
func (r *Rehoster) Rehost(ctx context.Context, img ai.GeneratedImage, key string) (string, error) {
	if r == nil {
		return "", errors.New("media: re-hosting disabled")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	data, errLoad := r.load(ctx, img)
	if errLoad != nil {
		return "", errLoad
	}
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return "", fmt.Errorf("media: unexpected content type %s", contentType)
	}

	objectKey := path.Join(r.keyPrefix, key+extensionFor(contentType))
	if _, errPut := r.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
		CacheControl:  aws.String(cacheControl),
	}); errPut != nil {
		return "", fmt.Errorf("media: put object: %w", errPut)
	}
	return r.publicBase + "/" + objectKey, nil
}

func (r *Rehoster) load(ctx context.Context, img ai.GeneratedImage) ([]byte, error) {
	if img.B64 != "" {
		data, errDecode := base64.StdEncoding.DecodeString(img.B64)
		if errDecode != nil {
			return nil, fmt.Errorf("media: decode base64: %w", errDecode)
		}
		if len(data) > maxImageBytes {
			return nil, ErrTooLarge
		}
		return data, nil
	}
	if img.URL == "" {
		return nil, errors.New("media: image has no url or payload")
	}

	req, errReq := http.NewRequestWithContext(ctx, http.MethodGet, img.URL, nil)
	if errReq != nil {
		return nil, fmt.Errorf("media: build request: %w", errReq)
	}
	resp, errDo := r.httpClient.Do(req)
	if errDo != nil {
		return nil, fmt.Errorf("media: download: %w", errDo)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media: download: unexpected status %d", resp.StatusCode)
	}
	data, errRead := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if errRead != nil {
		return nil, fmt.Errorf("media: read body: %w", errRead)
	}
	if len(data) > maxImageBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ""
	}
}
