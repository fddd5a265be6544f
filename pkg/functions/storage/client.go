package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// objectAPI is the subset of *s3.Client the capabilities call.
type objectAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// ObjectMeta is the payload returned by storage.head.
type ObjectMeta struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	ETag         string            `json:"etag,omitempty"`
	LastModified time.Time         `json:"last_modified"`
	ContentType  string            `json:"content_type,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ListResult is the payload returned by storage.list.
type ListResult struct {
	Keys      []string `json:"keys"`
	Truncated bool     `json:"truncated"`
}

// Client is a lazily connected S3 client bound to one bucket.
type Client struct {
	cfg Config

	mu  sync.Mutex
	api objectAPI
}

// NewClient validates cfg. The SDK configuration is resolved on first use so
// that loading a manifest never touches the credential chain.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{cfg: cfg}, nil
}

func newClientWithAPI(cfg Config, api objectAPI) *Client {
	return &Client{cfg: cfg, api: api}
}

func (c *Client) connect(ctx context.Context) (objectAPI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		return c.api, nil
	}

	awsCfg, err := loadAWSConfig(ctx, c.cfg)
	if err != nil {
		return nil, &OpError{Op: "Connect", Bucket: c.cfg.Bucket, Err: err}
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if c.cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if c.cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(c.cfg.Endpoint)
		})
	}

	c.api = s3.NewFromConfig(awsCfg, s3Opts...)
	return c.api, nil
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// Head returns metadata for a single object.
func (c *Client) Head(ctx context.Context, key string) (*ObjectMeta, error) {
	api, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	out, err := api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify("Head", c.cfg.Bucket, key, err)
	}

	return &ObjectMeta{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         strings.Trim(aws.ToString(out.ETag), "\""),
		LastModified: aws.ToTime(out.LastModified),
		ContentType:  aws.ToString(out.ContentType),
		Metadata:     out.Metadata,
	}, nil
}

// List returns up to limit keys under prefix. A limit <= 0 uses the
// configured default.
func (c *Client) List(ctx context.Context, prefix string, limit int) (*ListResult, error) {
	api, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(c.cfg.Bucket),
		MaxKeys: aws.Int32(int32(clampMaxKeys(limit, c.cfg.MaxKeys))),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	out, err := api.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, classify("List", c.cfg.Bucket, "", err)
	}

	res := &ListResult{
		Keys:      make([]string, 0, len(out.Contents)),
		Truncated: aws.ToBool(out.IsTruncated),
	}
	for _, obj := range out.Contents {
		res.Keys = append(res.Keys, aws.ToString(obj.Key))
	}
	return res, nil
}

// clampMaxKeys applies defaults and limits to maxKeys values.
func clampMaxKeys(requested, configured int) int {
	if requested <= 0 {
		requested = configured
	}
	if requested <= 0 {
		requested = DefaultMaxKeys
	}
	if requested > MaxAllowedKeys {
		return MaxAllowedKeys
	}
	return requested
}

// resolveRegion applies the us-east-1 fallback for AWS S3 only; custom
// endpoints keep whatever the SDK resolved.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
