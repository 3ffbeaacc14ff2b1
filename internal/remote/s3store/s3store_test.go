package s3store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/dukerupert/walletbackup/internal/logging"
	"github.com/dukerupert/walletbackup/internal/remote"
)

// mockS3Client implements s3API for testing.
type mockS3Client struct {
	mu       sync.Mutex
	objects  map[string][]byte
	modified map[string]time.Time
	uploads  map[string]map[int32][]byte
	putErr   error
	headErr  error
	partErr  error
	aborted  int
	puts     int
	parts    int
	prereads int
}

// readAhead does what the SDK does when it must hash a payload before
// sending it: read the body through, then rewind for the real send.
func (m *mockS3Client) readAhead(body io.Reader, opts []func(*s3.Options)) {
	var o s3.Options
	for _, fn := range opts {
		fn(&o)
	}
	if o.RequestChecksumCalculation == aws.RequestChecksumCalculationWhenRequired && len(o.APIOptions) > 0 {
		return
	}
	io.Copy(io.Discard, body)
	body.(io.Seeker).Seek(0, io.SeekStart)
	m.mu.Lock()
	m.prereads++
	m.mu.Unlock()
}

func newMockS3() *mockS3Client {
	return &mockS3Client{
		objects:  make(map[string][]byte),
		modified: make(map[string]time.Time),
		uploads:  make(map[string]map[int32][]byte),
	}
}

func (m *mockS3Client) PutObject(_ context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	m.readAhead(input.Body, opts)
	data, _ := io.ReadAll(input.Body)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	m.objects[*input.Key] = data
	m.modified[*input.Key] = time.Now().UTC()
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*input.Key]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "missing"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3Client) HeadObject(_ context.Context, input *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if m.headErr != nil {
		return nil, m.headErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*input.Key]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NotFound", Message: "not found"}
	}
	mod := m.modified[*input.Key]
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(data))),
		LastModified:  &mod,
	}, nil
}

func (m *mockS3Client) DeleteObject(_ context.Context, input *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, *input.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) CreateMultipartUpload(_ context.Context, input *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := "upload-" + *input.Key
	m.uploads[id] = make(map[int32][]byte)
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (m *mockS3Client) UploadPart(_ context.Context, input *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if m.partErr != nil && m.parts >= 1 {
		return nil, m.partErr
	}
	m.readAhead(input.Body, opts)
	data, _ := io.ReadAll(input.Body)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parts++
	m.uploads[*input.UploadId][*input.PartNumber] = data
	return &s3.UploadPartOutput{ETag: aws.String("etag")}, nil
}

func (m *mockS3Client) CompleteMultipartUpload(_ context.Context, input *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts := m.uploads[*input.UploadId]
	var buf bytes.Buffer
	for _, p := range input.MultipartUpload.Parts {
		buf.Write(parts[*p.PartNumber])
	}
	m.objects[*input.Key] = buf.Bytes()
	m.modified[*input.Key] = time.Now().UTC()
	delete(m.uploads, *input.UploadId)
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (m *mockS3Client) AbortMultipartUpload(_ context.Context, input *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborted++
	delete(m.uploads, *input.UploadId)
	return &s3.AbortMultipartUploadOutput{}, nil
}

func newTestStore(t *testing.T, mock *mockS3Client, partSize int64) *Store {
	t.Helper()
	cfg := Config{Bucket: "bucket", AccessKey: "key", SecretKey: "secret", Prefix: "backups", PartSize: partSize}
	return newWithClient(cfg, func(Config) s3API { return mock }, logging.Discard())
}

func writeFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact.zip")
	if err := os.WriteFile(path, bytes.Repeat([]byte("w"), size), 0600); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return path
}

func TestUnauthenticatedWithoutKeys(t *testing.T) {
	s := newWithClient(Config{Bucket: "b"}, func(Config) s3API { return newMockS3() }, logging.Discard())
	if s.IsAuthenticated(context.Background()) {
		t.Error("store without keys should not be authenticated")
	}
	_, err := s.Metadata(context.Background(), "x")
	if !errors.Is(err, remote.ErrNotAuthenticated) {
		t.Errorf("err = %v, want ErrNotAuthenticated", err)
	}
}

func TestSingleUploadAndDownload(t *testing.T) {
	mock := newMockS3()
	s := newTestStore(t, mock, 1024)
	src := writeFile(t, 100)

	var reports []float64
	err := s.Upload(context.Background(), src, "wallet-1/wallet-backup.zip", func(f float64) {
		reports = append(reports, f)
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, ok := mock.objects["backups/wallet-1/wallet-backup.zip"]; !ok {
		t.Fatal("object not stored under prefixed key")
	}
	if reports[0] != 0 || reports[len(reports)-1] != 1 {
		t.Errorf("progress should run 0..1, got %v", reports)
	}

	dir := t.TempDir()
	got, err := s.Download(context.Background(), "wallet-1/wallet-backup.zip", dir)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	data, _ := os.ReadFile(got)
	if len(data) != 100 {
		t.Errorf("downloaded %d bytes, want 100", len(data))
	}
}

func TestMultipartProgressIsMonotonic(t *testing.T) {
	mock := newMockS3()
	s := newTestStore(t, mock, 10)
	src := writeFile(t, 35)

	var reports []float64
	if err := s.Upload(context.Background(), src, "w/a.zip", func(f float64) {
		reports = append(reports, f)
	}); err != nil {
		t.Fatalf("upload: %v", err)
	}

	if mock.parts != 4 {
		t.Errorf("parts = %d, want 4", mock.parts)
	}
	for i := 1; i < len(reports); i++ {
		if reports[i] < reports[i-1] {
			t.Fatalf("progress regressed at %d: %v", i, reports)
		}
	}
	if reports[len(reports)-1] != 1 {
		t.Errorf("final progress = %v, want 1", reports[len(reports)-1])
	}
	if got := len(mock.objects["backups/w/a.zip"]); got != 35 {
		t.Errorf("assembled object = %d bytes, want 35", got)
	}
}

func TestUploadBodyReadOnce(t *testing.T) {
	for _, tc := range []struct {
		name     string
		partSize int64
	}{
		{"single", 1024},
		{"multipart", 10},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mock := newMockS3()
			s := newTestStore(t, mock, tc.partSize)
			src := writeFile(t, 35)

			var reports []float64
			if err := s.Upload(context.Background(), src, "w/a.zip", func(f float64) {
				reports = append(reports, f)
			}); err != nil {
				t.Fatalf("upload: %v", err)
			}
			if mock.prereads != 0 {
				t.Errorf("body read ahead %d times, want streamed once", mock.prereads)
			}
			if got := len(mock.objects["backups/w/a.zip"]); got != 35 {
				t.Errorf("stored %d bytes, want 35", got)
			}
			for i := 1; i < len(reports); i++ {
				if reports[i] < reports[i-1] {
					t.Fatalf("progress regressed at %d: %v", i, reports)
				}
			}
		})
	}
}

func TestMultipartFailureAborts(t *testing.T) {
	mock := newMockS3()
	mock.partErr = errors.New("connection reset")
	s := newTestStore(t, mock, 10)
	src := writeFile(t, 35)

	err := s.Upload(context.Background(), src, "w/a.zip", nil)
	if err == nil {
		t.Fatal("expected upload error")
	}
	if mock.aborted != 1 {
		t.Errorf("aborted = %d, want 1", mock.aborted)
	}
	if _, ok := mock.objects["backups/w/a.zip"]; ok {
		t.Error("failed multipart upload must not leave an object")
	}
}

func TestMetadataAbsentIsNotError(t *testing.T) {
	s := newTestStore(t, newMockS3(), 1024)

	md, err := s.Metadata(context.Background(), "w/missing.zip")
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if md.Exists {
		t.Error("expected missing object")
	}
}

func TestMetadataLookupErrorPropagates(t *testing.T) {
	mock := newMockS3()
	mock.headErr = errors.New("dial tcp: i/o timeout")
	s := newTestStore(t, mock, 1024)

	if _, err := s.Metadata(context.Background(), "w/a.zip"); err == nil {
		t.Fatal("lookup failure must not read as absence")
	}
}

func TestAuthErrorExpiresSession(t *testing.T) {
	mock := newMockS3()
	mock.putErr = &smithy.GenericAPIError{Code: "ExpiredToken", Message: "expired"}
	s := newTestStore(t, mock, 1024)
	src := writeFile(t, 10)

	err := s.Upload(context.Background(), src, "w/a.zip", nil)
	if !errors.Is(err, remote.ErrNotAuthenticated) {
		t.Fatalf("err = %v, want ErrNotAuthenticated", err)
	}
	if s.IsAuthenticated(context.Background()) {
		t.Error("session should be marked expired")
	}

	mock.putErr = nil
	surface := remote.SurfaceFunc(func(context.Context, string) (remote.Credentials, error) {
		return remote.Credentials{AccessKey: "new-key", SecretKey: "new-secret"}, nil
	})
	if err := s.BeginInteractiveAuth(context.Background(), surface); err != nil {
		t.Fatalf("reauth: %v", err)
	}
	if !s.IsAuthenticated(context.Background()) {
		t.Error("expected authenticated after reauth")
	}
	if err := s.Upload(context.Background(), src, "w/a.zip", nil); err != nil {
		t.Errorf("upload after reauth: %v", err)
	}
}

func TestInteractiveAuthCancelled(t *testing.T) {
	s := newTestStore(t, newMockS3(), 1024)
	err := s.BeginInteractiveAuth(context.Background(), remote.NoSurface)
	if !errors.Is(err, remote.ErrAuthCancelled) {
		t.Errorf("err = %v, want ErrAuthCancelled", err)
	}
}

func TestCreateFolderIdempotent(t *testing.T) {
	mock := newMockS3()
	s := newTestStore(t, mock, 1024)

	for i := 0; i < 2; i++ {
		if err := s.CreateFolderIfAbsent(context.Background(), "wallet-1"); err != nil {
			t.Fatalf("create folder (%d): %v", i, err)
		}
	}
	if mock.puts != 1 {
		t.Errorf("puts = %d, want 1 (second call should see existing marker)", mock.puts)
	}
	if _, ok := mock.objects["backups/wallet-1/"]; !ok {
		t.Error("folder marker missing")
	}
}

func TestDelete(t *testing.T) {
	mock := newMockS3()
	s := newTestStore(t, mock, 1024)
	s.Upload(context.Background(), writeFile(t, 5), "w/a.zip", nil)

	if err := s.Delete(context.Background(), "w/a.zip"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	md, _ := s.Metadata(context.Background(), "w/a.zip")
	if md.Exists {
		t.Error("object should be gone")
	}
}

func TestMaskKey(t *testing.T) {
	if got := maskKey("AKIAEXAMPLE"); !strings.HasPrefix(got, "AKIA") || strings.Contains(got, "EXAMPLE") {
		t.Errorf("maskKey = %q", got)
	}
	if got := maskKey("ab"); got != "****" {
		t.Errorf("maskKey short = %q", got)
	}
}
