package reader

import (
	"context"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
)

const s3Scheme = "s3://"

// S3Options configure access to s3:// paths. Without keys the default AWS
// credential chain is used.
type S3Options struct {
	Region          string `mapstructure:"region"`
	EndpointURL     string `mapstructure:"endpoint_url"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// S3API is the part of the S3 client the readers use.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3ClientFunc func(ctx context.Context, opts S3Options) (S3API, error)

// NewS3Client builds a client from the default AWS config. An endpoint URL
// selects an S3-compatible service and path-style addressing.
func NewS3Client(ctx context.Context, opts S3Options) (S3API, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	region := opts.Region
	if region == "" && opts.EndpointURL != "" {
		region = "us-east-1"
	}
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.EndpointURL != "" {
			o.BaseEndpoint = aws.String(opts.EndpointURL)
			o.UsePathStyle = true
		}
	}), nil
}

// splitS3Path splits s3://bucket/key into its bucket and key.
func splitS3Path(p string) (string, string, error) {
	bucket, key, _ := strings.Cut(strings.TrimPrefix(p, s3Scheme), "/")
	if bucket == "" || key == "" {
		return "", "", errors.Errorf("invalid s3 path '%s', expected s3://bucket/key", p)
	}
	if strings.ContainsAny(bucket, "*?[") {
		return "", "", errors.Errorf("invalid s3 path '%s', bucket names cannot contain wildcards", p)
	}
	return bucket, key, nil
}

// literalPrefix is the part of a key pattern before its first wildcard.
func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, "*?["); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

type s3Files struct {
	opts      S3Options
	newClient S3ClientFunc

	mu     sync.Mutex
	client S3API
}

func (f *s3Files) api(ctx context.Context) (S3API, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.client == nil {
		client, err := f.newClient(ctx, f.opts)
		if err != nil {
			return nil, err
		}
		f.client = client
	}
	return f.client, nil
}

// Expand lists the objects whose keys match the pattern, with the same
// wildcard rules as local paths.
func (f *s3Files) Expand(ctx context.Context, pattern string) ([]string, error) {
	bucket, keyPattern, err := splitS3Path(pattern)
	if err != nil {
		return nil, err
	}
	if _, err := path.Match(keyPattern, ""); err != nil {
		return nil, errors.Wrapf(err, "invalid path pattern '%s'", pattern)
	}

	client, err := f.api(ctx)
	if err != nil {
		return nil, err
	}

	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(literalPrefix(keyPattern)),
	})

	var matches []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list objects under '%s'", pattern)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if ok, _ := path.Match(keyPattern, key); ok {
				matches = append(matches, s3Scheme+bucket+"/"+key)
			}
		}
	}

	if len(matches) == 0 {
		return nil, errors.Errorf("no files match '%s'", pattern)
	}
	sort.Strings(matches)
	return matches, nil
}

func (f *s3Files) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	bucket, key, err := splitS3Path(name)
	if err != nil {
		return nil, err
	}

	client, err := f.api(ctx)
	if err != nil {
		return nil, err
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get object '%s'", name)
	}
	return out.Body, nil
}
