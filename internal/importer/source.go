package importer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

// maxExportSize caps how much of one export file is read.
const maxExportSize = 64 << 20

// Source reads raw export files by URI.
type Source interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// FileSource reads local paths.
type FileSource struct{}

func (FileSource) Fetch(ctx context.Context, uri string) ([]byte, error) {
	f, err := os.Open(strings.TrimPrefix(uri, "file://"))
	if err != nil {
		return nil, fmt.Errorf("FileSource: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxExportSize))
	if err != nil {
		return nil, fmt.Errorf("FileSource: reading %s: %w", uri, err)
	}
	return data, nil
}

// GCSSource reads gs:// URIs and stages local exports into a bucket.
// Credentials come from Application Default Credentials.
type GCSSource struct {
	client *storage.Client
}

// NewGCSSource creates a storage client. Close releases it.
func NewGCSSource(ctx context.Context) (*GCSSource, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewGCSSource: creating storage client: %w", err)
	}
	return &GCSSource{client: client}, nil
}

func (s *GCSSource) Close() error {
	return s.client.Close()
}

// Fetch downloads the object named by a gs://bucket/object URI.
func (s *GCSSource) Fetch(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := ParseGCSURI(uri)
	if err != nil {
		return nil, err
	}

	rc, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("GCSSource: reading object %s/%s: %w", bucket, object, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxExportSize))
	if err != nil {
		return nil, fmt.Errorf("GCSSource: reading bytes: %w", err)
	}
	return data, nil
}

// Upload copies a local file to bucket/object and returns its gs:// URI.
func (s *GCSSource) Upload(ctx context.Context, bucket, object, filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("Upload: open file %q: %w", filePath, err)
	}
	defer f.Close()

	if object == "" {
		object = path.Base(filePath)
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := s.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("Upload: copy file to GCS writer: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("Upload: finalize upload: %w", err)
	}
	return "gs://" + bucket + "/" + object, nil
}

// ParseGCSURI splits gs://bucket/path/to/object.
func ParseGCSURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}

// MultiSource routes gs:// URIs to GCS and everything else to the local filesystem.
type MultiSource struct {
	Local Source
	GCS   Source
}

func (m MultiSource) Fetch(ctx context.Context, uri string) ([]byte, error) {
	if strings.HasPrefix(uri, "gs://") {
		if m.GCS == nil {
			return nil, fmt.Errorf("no GCS source configured for %s", uri)
		}
		return m.GCS.Fetch(ctx, uri)
	}
	local := m.Local
	if local == nil {
		local = FileSource{}
	}
	return local.Fetch(ctx, uri)
}

var (
	_ Source = FileSource{}
	_ Source = (*GCSSource)(nil)
	_ Source = MultiSource{}
)
