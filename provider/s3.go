package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ensure interfaces are implemented
var (
	_ ObjectStore = (*S3Store)(nil)
	_ Creator     = (*S3Store)(nil)
	_ Committer   = (*S3Store)(nil)
	_ Limits      = (*S3Store)(nil)
	_ Namer       = (*S3Store)(nil)
)

const (
	s3MaxParts    = 10000
	s3MinPartSize = 5 * 1024 * 1024
)

// multipartUpload tracks the parts of one in-progress upload.
type multipartUpload struct {
	id        string
	blockSize int64

	mu    sync.Mutex
	parts map[int32]string
}

// S3Store implements ObjectStore over an S3 bucket. Writes are always block
// writes: each range becomes one part of a multipart upload.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string

	mu      sync.Mutex
	uploads map[string]*multipartUpload
}

// NewS3Store creates an S3Store using the default AWS configuration chain.
func NewS3Store(ctx context.Context, bucket string, prefix string) (*S3Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	return NewS3StoreFromClient(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// NewS3StoreFromClient creates an S3Store around an existing client.
func NewS3StoreFromClient(client *s3.Client, bucket string, prefix string) *S3Store {
	return &S3Store{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		uploads: make(map[string]*multipartUpload),
	}
}

// buildKey constructs the full S3 key based on the store's prefix
func (p *S3Store) buildKey(subPath string) string {
	subPath = strings.TrimPrefix(subPath, "/")
	if p.prefix == "" {
		return subPath
	}
	// Avoid double slashes
	key := path.Join(p.prefix, subPath)
	return strings.TrimPrefix(key, "/")
}

// Name returns s3://bucket/prefix.
func (p *S3Store) Name() string {
	return strings.TrimSuffix("s3://"+path.Join(p.bucket, p.prefix), "/")
}

// MaxBlocks is the S3 limit on parts per multipart upload.
func (p *S3Store) MaxBlocks() int { return s3MaxParts }

// MinBlockSize is the S3 minimum size of every part but the last.
func (p *S3Store) MinBlockSize() int64 { return s3MinPartSize }

func ifMatch(cond Conditions) *string {
	if cond.IfMatch == "" {
		return nil
	}
	return aws.String(cond.IfMatch)
}

// classifyS3Error maps HTTP-level failures onto the provider sentinels so
// callers can use errors.Is without knowing about the AWS SDK.
func classifyS3Error(op, key string, err error) error {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		switch re.HTTPStatusCode() {
		case http.StatusNotFound:
			return fmt.Errorf("%s %q: %w: %w", op, key, ErrNotFound, err)
		case http.StatusPreconditionFailed:
			return fmt.Errorf("%s %q: %w: %w", op, key, ErrPreconditionFailed, err)
		}
	}

	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%s %q: %w: %w", op, key, ErrNotFound, err)
	}
	return fmt.Errorf("%s %q: %w", op, key, err)
}

// Stat returns the metadata of key.
func (p *S3Store) Stat(ctx context.Context, key string, cond Conditions) (ObjectInfo, error) {
	fullKey := p.buildKey(key)

	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket:  aws.String(p.bucket),
		Key:     aws.String(fullKey),
		IfMatch: ifMatch(cond),
	})
	if err != nil {
		return ObjectInfo{}, classifyS3Error("stat", key, err)
	}

	info := ObjectInfo{
		Key:  key,
		ETag: aws.ToString(out.ETag),
		Kind: KindBlock,
		Size: aws.ToInt64(out.ContentLength),
	}
	if out.LastModified != nil {
		info.ModTime = *out.LastModified
	}
	return info, nil
}

// ReadRange opens [offset, offset+length) of key.
func (p *S3Store) ReadRange(ctx context.Context, key string, offset, length int64, cond Conditions) (io.ReadCloser, error) {
	if length == 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}

	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket:  aws.String(p.bucket),
		Key:     aws.String(p.buildKey(key)),
		Range:   aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
		IfMatch: ifMatch(cond),
	})
	if err != nil {
		return nil, classifyS3Error("read range", key, err)
	}
	return out.Body, nil
}

// Create begins a multipart upload for key, or with spec.Resume picks up the
// most recent unfinished upload together with the parts it already holds.
func (p *S3Store) Create(ctx context.Context, key string, spec ObjectSpec) error {
	if spec.Kind != KindBlock {
		return fmt.Errorf("create %q as %s: %w", key, spec.Kind, ErrUnsupportedOperation)
	}
	fullKey := p.buildKey(key)

	upload := &multipartUpload{blockSize: spec.BlockSize, parts: make(map[int32]string)}

	if spec.Resume {
		id, err := p.findUpload(ctx, fullKey)
		if err != nil {
			return err
		}
		if id != "" {
			upload.id = id
			if err := p.loadParts(ctx, fullKey, upload); err != nil {
				return err
			}
		}
	}

	if upload.id == "" {
		out, err := p.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(fullKey),
		})
		if err != nil {
			return classifyS3Error("create multipart upload", key, err)
		}
		upload.id = aws.ToString(out.UploadId)
	}

	p.mu.Lock()
	p.uploads[key] = upload
	p.mu.Unlock()
	return nil
}

func (p *S3Store) findUpload(ctx context.Context, fullKey string) (string, error) {
	input := &s3.ListMultipartUploadsInput{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(fullKey),
	}

	var id string
	for {
		out, err := p.client.ListMultipartUploads(ctx, input)
		if err != nil {
			return "", classifyS3Error("list multipart uploads", fullKey, err)
		}
		for _, u := range out.Uploads {
			// Uploads are listed oldest first for a given key, keep the newest
			if aws.ToString(u.Key) == fullKey {
				id = aws.ToString(u.UploadId)
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			return id, nil
		}
		input.KeyMarker = out.NextKeyMarker
		input.UploadIdMarker = out.NextUploadIdMarker
	}
}

func (p *S3Store) loadParts(ctx context.Context, fullKey string, upload *multipartUpload) error {
	paginator := s3.NewListPartsPaginator(p.client, &s3.ListPartsInput{
		Bucket:   aws.String(p.bucket),
		Key:      aws.String(fullKey),
		UploadId: aws.String(upload.id),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return classifyS3Error("list parts", fullKey, err)
		}
		for _, part := range page.Parts {
			upload.parts[aws.ToInt32(part.PartNumber)] = aws.ToString(part.ETag)
		}
	}
	return nil
}

func (p *S3Store) upload(key string) (*multipartUpload, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.uploads[key]
	if !ok {
		return nil, fmt.Errorf("no multipart upload for %q: %w", key, ErrUnsupportedOperation)
	}
	return u, nil
}

// WriteRange uploads one part. The part number is derived from offset and
// the block size given to Create.
func (p *S3Store) WriteRange(ctx context.Context, key string, offset int64, body io.ReadSeeker, length int64, cond Conditions) error {
	u, err := p.upload(key)
	if err != nil {
		return err
	}
	if offset%u.blockSize != 0 {
		return fmt.Errorf("offset %d of %q is not aligned to block size %d", offset, key, u.blockSize)
	}
	partNumber := int32(offset/u.blockSize) + 1

	out, err := p.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(p.buildKey(key)),
		UploadId:      aws.String(u.id),
		PartNumber:    aws.Int32(partNumber),
		Body:          body,
		ContentLength: aws.Int64(length),
	})
	if err != nil {
		return classifyS3Error("upload part", key, err)
	}

	u.mu.Lock()
	u.parts[partNumber] = aws.ToString(out.ETag)
	u.mu.Unlock()
	return nil
}

// Commit completes the multipart upload of key.
func (p *S3Store) Commit(ctx context.Context, key string, totalLength int64) error {
	u, err := p.upload(key)
	if err != nil {
		return err
	}
	fullKey := p.buildKey(key)

	if totalLength == 0 {
		// S3 rejects a multipart upload without parts
		_, err := p.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(p.bucket),
			Key:      aws.String(fullKey),
			UploadId: aws.String(u.id),
		})
		var gone *types.NoSuchUpload
		if err != nil && !errors.As(err, &gone) {
			return classifyS3Error("abort multipart upload", key, err)
		}
		_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(fullKey),
			Body:   strings.NewReader(""),
		})
		if err != nil {
			return classifyS3Error("put empty object", key, err)
		}
		return p.forget(key)
	}

	u.mu.Lock()
	completed := make([]types.CompletedPart, 0, len(u.parts))
	for n, etag := range u.parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(etag),
			PartNumber: aws.Int32(n),
		})
	}
	u.mu.Unlock()

	want := (totalLength + u.blockSize - 1) / u.blockSize
	if int64(len(completed)) != want {
		return fmt.Errorf("commit %q: have %d parts, want %d", key, len(completed), want)
	}
	sort.Slice(completed, func(i, j int) bool {
		return aws.ToInt32(completed[i].PartNumber) < aws.ToInt32(completed[j].PartNumber)
	})

	_, err = p.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(p.bucket),
		Key:             aws.String(fullKey),
		UploadId:        aws.String(u.id),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return classifyS3Error("complete multipart upload", key, err)
	}
	return p.forget(key)
}

func (p *S3Store) forget(key string) error {
	p.mu.Lock()
	delete(p.uploads, key)
	p.mu.Unlock()
	return nil
}
