// Package s3store implements remote.Store on S3-compatible object storage.
// Objects are overwritten by fixed name; no history is kept remotely.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/dukerupert/walletbackup/internal/remote"
)

const (
	// DefaultPartSize is used when Config.PartSize is unset.
	DefaultPartSize int64 = 8 << 20
	// MinPartSize is the smallest part S3 accepts for all but the last part.
	MinPartSize int64 = 5 << 20
)

// s3API is the slice of the S3 client the store uses, narrowed for testability.
type s3API interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, input *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, input *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, input *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, input *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, input *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Config holds S3-compatible storage configuration.
type Config struct {
	Endpoint     string
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	Prefix       string
	PartSize     int64
}

// Store is an S3-backed remote.Store.
type Store struct {
	mu        sync.RWMutex
	cfg       Config
	client    s3API
	expired   bool
	newClient func(Config) s3API
	logger    *slog.Logger
}

var _ remote.Store = (*Store)(nil)

// New creates a store talking to the configured endpoint.
func New(cfg Config, logger *slog.Logger) *Store {
	return newWithClient(cfg, func(c Config) s3API { return newS3Client(c) }, logger)
}

func newWithClient(cfg Config, factory func(Config) s3API, logger *slog.Logger) *Store {
	if cfg.PartSize <= 0 {
		cfg.PartSize = DefaultPartSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		cfg:       cfg,
		newClient: factory,
		logger:    logger,
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		s.client = factory(cfg)
	}
	return s
}

func newS3Client(cfg Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

func (s *Store) Name() string      { return "s3" }
func (s *Store) Kind() remote.Kind { return remote.KindExplicit }

// UpdateCredentials hot-swaps the access keys and rebuilds the client.
func (s *Store) UpdateCredentials(c remote.Credentials) {
	s.mu.Lock()
	s.cfg.AccessKey = c.AccessKey
	s.cfg.SecretKey = c.SecretKey
	s.cfg.SessionToken = c.SessionToken
	if c.AccessKey != "" && c.SecretKey != "" {
		s.client = s.newClient(s.cfg)
	} else {
		s.client = nil
	}
	s.expired = false
	s.mu.Unlock()
}

func (s *Store) IsAuthenticated(_ context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client != nil && !s.expired
}

// BeginInteractiveAuth asks surface for fresh keys and swaps them in.
func (s *Store) BeginInteractiveAuth(ctx context.Context, surface remote.Surface) error {
	if surface == nil {
		surface = remote.NoSurface
	}
	creds, err := surface.RequestCredentials(ctx, s.Name())
	if err != nil {
		if errors.Is(err, remote.ErrAuthCancelled) {
			return err
		}
		return fmt.Errorf("request credentials: %w", err)
	}
	if creds.AccessKey == "" || creds.SecretKey == "" {
		return fmt.Errorf("empty credentials: %w", remote.ErrNotAuthenticated)
	}
	s.UpdateCredentials(creds)
	s.logger.Info("s3 credentials updated", "access_key", maskKey(creds.AccessKey))
	return nil
}

func (s *Store) session() (s3API, Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil || s.expired {
		return nil, s.cfg, remote.ErrNotAuthenticated
	}
	return s.client, s.cfg, nil
}

func (s *Store) key(cfg Config, name string) string {
	return path.Join(cfg.Prefix, name)
}

// CreateFolderIfAbsent writes a zero-byte folder marker unless one exists.
func (s *Store) CreateFolderIfAbsent(ctx context.Context, folder string) error {
	client, cfg, err := s.session()
	if err != nil {
		return err
	}
	marker := s.key(cfg, folder) + "/"

	_, err = client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String(marker),
	})
	if err == nil {
		return nil
	}
	if err = s.mapError(err); !errors.Is(err, remote.ErrNotFound) {
		return fmt.Errorf("head folder %s: %w", marker, err)
	}

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(cfg.Bucket),
		Key:           aws.String(marker),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return fmt.Errorf("create folder %s: %w", marker, s.mapError(err))
	}
	return nil
}

// Upload puts localPath at remoteName. Files larger than one part go through
// a multipart upload, which S3 only makes visible once completed.
func (s *Store) Upload(ctx context.Context, localPath, remoteName string, onProgress remote.ProgressFunc) error {
	client, cfg, err := s.session()
	if err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}
	size := stat.Size()
	key := s.key(cfg, remoteName)

	progress := remote.NewProgress(onProgress)
	progress.Report(0)

	if size <= cfg.PartSize {
		err = s.putSingle(ctx, client, cfg, key, f, size, progress)
	} else {
		err = s.putMultipart(ctx, client, cfg, key, f, size, progress)
	}
	if err != nil {
		return err
	}

	progress.Report(1)
	s.logger.Debug("uploaded object", "key", key, "size", size)
	return nil
}

func (s *Store) putSingle(ctx context.Context, client s3API, cfg Config, key string, f *os.File, size int64, progress *remote.Progress) error {
	body := newProgressReader(io.NewSectionReader(f, 0, size), func(read int64) {
		if size > 0 {
			progress.Report(float64(read) / float64(size))
		}
	})
	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(cfg.Bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	}, streamOnce)
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, s.mapError(err))
	}
	return nil
}

func (s *Store) putMultipart(ctx context.Context, client s3API, cfg Config, key string, f *os.File, size int64, progress *remote.Progress) error {
	created, err := client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("create multipart upload %s: %w", key, s.mapError(err))
	}
	uploadID := created.UploadId

	abort := func() {
		// The attempt context may already be cancelled.
		_, aerr := client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(cfg.Bucket),
			Key:      aws.String(key),
			UploadId: uploadID,
		})
		if aerr != nil {
			s.logger.Warn("abort multipart upload", "key", key, "error", aerr)
		}
	}

	parts := int((size + cfg.PartSize - 1) / cfg.PartSize)
	completed := make([]types.CompletedPart, 0, parts)

	for i := 0; i < parts; i++ {
		if err := ctx.Err(); err != nil {
			abort()
			return fmt.Errorf("upload %s: %w", key, err)
		}

		offset := int64(i) * cfg.PartSize
		n := min(cfg.PartSize, size-offset)
		done := float64(i)
		body := newProgressReader(io.NewSectionReader(f, offset, n), func(read int64) {
			progress.Report((done + float64(read)/float64(n)) / float64(parts))
		})

		partNumber := aws.Int32(int32(i + 1))
		out, err := client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(cfg.Bucket),
			Key:           aws.String(key),
			UploadId:      uploadID,
			PartNumber:    partNumber,
			Body:          body,
			ContentLength: aws.Int64(n),
		}, streamOnce)
		if err != nil {
			abort()
			return fmt.Errorf("upload part %d of %s: %w", i+1, key, s.mapError(err))
		}
		completed = append(completed, types.CompletedPart{ETag: out.ETag, PartNumber: partNumber})
		progress.Report(float64(i+1) / float64(parts))
	}

	_, err = client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(cfg.Bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		abort()
		return fmt.Errorf("complete multipart upload %s: %w", key, s.mapError(err))
	}
	return nil
}

// Download streams remoteName into localDir and returns the local path.
func (s *Store) Download(ctx context.Context, remoteName, localDir string) (string, error) {
	client, cfg, err := s.session()
	if err != nil {
		return "", err
	}
	key := s.key(cfg, remoteName)

	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("get object %s: %w", key, s.mapError(err))
	}
	defer result.Body.Close()

	dst := filepath.Join(localDir, path.Base(remoteName))
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create local file: %w", err)
	}
	if _, err := io.Copy(out, result.Body); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("write downloaded file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("close downloaded file: %w", err)
	}
	return dst, nil
}

// Metadata reports whether remoteName exists. Absence is not an error.
func (s *Store) Metadata(ctx context.Context, remoteName string) (remote.Metadata, error) {
	client, cfg, err := s.session()
	if err != nil {
		return remote.Metadata{}, err
	}
	key := s.key(cfg, remoteName)

	out, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = s.mapError(err)
		if errors.Is(err, remote.ErrNotFound) {
			return remote.Metadata{}, nil
		}
		return remote.Metadata{}, fmt.Errorf("head object %s: %w", key, err)
	}
	return remote.Metadata{
		Exists:     true,
		ModifiedAt: aws.ToTime(out.LastModified),
		Size:       aws.ToInt64(out.ContentLength),
	}, nil
}

func (s *Store) Delete(ctx context.Context, remoteName string) error {
	client, cfg, err := s.session()
	if err != nil {
		return err
	}
	key := s.key(cfg, remoteName)

	if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(cfg.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("delete object %s: %w", key, s.mapError(err))
	}
	return nil
}

// mapError folds provider error codes into remote sentinels. Auth failures
// also mark the session expired until the next sign-in.
func (s *Store) mapError(err error) error {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return fmt.Errorf("%w: %w", remote.ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return fmt.Errorf("%w: %w", remote.ErrNotFound, err)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "TokenRefreshRequired", "AccessDenied", "Forbidden":
			s.mu.Lock()
			s.expired = true
			s.mu.Unlock()
			return fmt.Errorf("%w: %w", remote.ErrNotAuthenticated, err)
		}
	}
	return err
}

func maskKey(k string) string {
	if len(k) <= 4 {
		return "****"
	}
	return k[:4] + "****"
}

// streamOnce stops the SDK from reading a seekable body through to hash it
// before sending, which would drive progress to the end ahead of the upload.
// The payload goes unsigned and no optional checksum is computed.
func streamOnce(o *s3.Options) {
	o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	o.APIOptions = append(o.APIOptions, v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware)
}

// progressReader reports how far into its section a reader has got. It stays
// seekable so the SDK can rewind on retry.
type progressReader struct {
	r      *io.SectionReader
	pos    int64
	report func(read int64)
}

func newProgressReader(r *io.SectionReader, report func(read int64)) *progressReader {
	return &progressReader{r: r, report: report}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.pos += int64(n)
	if n > 0 {
		p.report(p.pos)
	}
	return n, err
}

func (p *progressReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := p.r.Seek(offset, whence)
	if err == nil {
		p.pos = pos
	}
	return pos, err
}
