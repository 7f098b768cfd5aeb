package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/kindlemtp/kindle-mtp/internal/errkind"
	"github.com/kindlemtp/kindle-mtp/internal/logging"
)

// S3Config holds S3 connection settings.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// objectPutter is the subset of *s3.Client the destination uses.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 stages each file in a local temp file and uploads it on Commit, so an
// object only appears in the bucket once its content is complete.
type S3 struct {
	client objectPutter
	bucket string
	prefix string
	tmpDir string
	opts   Options
}

// ParseS3URL splits "s3://bucket/prefix" into bucket and prefix.
func ParseS3URL(raw string) (bucket, prefix string, ok bool) {
	rest, found := strings.CutPrefix(raw, "s3://")
	if !found {
		return "", "", false
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", false
	}
	return bucket, strings.Trim(prefix, "/"), true
}

// IsS3URL reports whether raw names an S3 destination.
func IsS3URL(raw string) bool {
	_, _, ok := ParseS3URL(raw)
	return ok
}

// NewS3 creates an S3 destination for an s3://bucket/prefix URL.
func NewS3(ctx context.Context, cfg S3Config, url string, opts Options) (*S3, error) {
	bucket, prefix, ok := ParseS3URL(url)
	if !ok {
		return nil, errkind.E(errkind.Internal, "s3", url, fmt.Errorf("invalid s3 url"))
	}

	loadOpts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errkind.E(errkind.Internal, "s3", url, fmt.Errorf("load aws config: %w", err))
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	logging.WithContext(ctx).Debug("s3 destination ready",
		logging.String("bucket", bucket),
		logging.String("prefix", prefix))

	return newS3(client, bucket, prefix, opts), nil
}

func newS3(client objectPutter, bucket, prefix string, opts Options) *S3 {
	return &S3{
		client: client,
		bucket: bucket,
		prefix: prefix,
		tmpDir: os.TempDir(),
		opts:   opts,
	}
}

func (d *S3) key(rel string) string {
	return strings.TrimPrefix(path.Join(d.prefix, strings.TrimPrefix(rel, "/")), "/")
}

// Location returns the s3:// URL of rel.
func (d *S3) Location(rel string) string {
	return "s3://" + d.bucket + "/" + d.key(rel)
}

// MkdirAll is a no-op: object stores have no directories.
func (d *S3) MkdirAll(ctx context.Context, rel string) error {
	return ctx.Err()
}

// Create stages rel in a local temp file.
func (d *S3) Create(ctx context.Context, rel string) (Pending, error) {
	loc := d.Location(rel)
	if err := ctx.Err(); err != nil {
		return nil, errkind.FromLocal("create", loc, err)
	}
	tmp, err := os.CreateTemp(d.tmpDir, "kindle-mtp-s3-*.part")
	if err != nil {
		return nil, errkind.FromLocal("create", loc, err)
	}
	return &s3Pending{
		dest:   d,
		key:    d.key(rel),
		loc:    loc,
		tmp:    tmp,
		digest: newDigestWriter(ctx, tmp, d.opts.Checksum),
	}, nil
}

type s3Pending struct {
	dest   *S3
	key    string
	loc    string
	tmp    *os.File
	digest *digestWriter
	done   bool
}

func (p *s3Pending) Write(b []byte) (int, error) {
	n, err := p.digest.Write(b)
	if err != nil {
		return n, errkind.FromLocal("stage", p.loc, err)
	}
	return n, nil
}

// Commit uploads the staged content and removes the temp file.
func (p *s3Pending) Commit(ctx context.Context) (Result, error) {
	if p.done {
		return Result{}, errkind.E(errkind.Internal, "commit", p.loc, fmt.Errorf("already finished"))
	}
	p.done = true
	tmpName := p.tmp.Name()
	defer func() {
		p.tmp.Close()
		os.Remove(tmpName)
	}()

	if _, err := p.tmp.Seek(0, io.SeekStart); err != nil {
		return Result{}, errkind.FromLocal("stage", p.loc, err)
	}

	_, err := p.dest.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.dest.bucket),
		Key:           aws.String(p.key),
		Body:          p.tmp,
		ContentLength: aws.Int64(p.digest.written),
	})
	if err != nil {
		return Result{}, errkind.E(errkind.TransferFailed, "upload", p.loc, err)
	}

	return Result{
		Location: p.loc,
		Bytes:    p.digest.written,
		Checksum: p.digest.sum(),
	}, nil
}

// Abort discards the staged content.
func (p *s3Pending) Abort() error {
	if p.done {
		return nil
	}
	p.done = true
	tmpName := p.tmp.Name()
	p.tmp.Close()
	if err := os.Remove(tmpName); err != nil && !os.IsNotExist(err) {
		return errkind.FromLocal("remove", tmpName, err)
	}
	return nil
}
