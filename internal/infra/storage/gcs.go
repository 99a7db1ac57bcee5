package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"construction-doc-analysis/internal/domain"
	"construction-doc-analysis/internal/domain/ports/adapter"
)

var _ adapter.ObjectStore = (*GCSStore)(nil)

// GCSStore is the object-storage adapter. Locations are
// "gs://bucket/object" or "bucket/object".
type GCSStore struct {
	client *gcs.Client
}

func NewGCSStore(ctx context.Context) (*GCSStore, error) {
	c, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	return &GCSStore{client: c}, nil
}

func (s *GCSStore) Close() error { return s.client.Close() }

func splitLocation(location string) (bucket, object string, err error) {
	loc := strings.TrimPrefix(location, "gs://")
	parts := strings.SplitN(loc, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", domain.NewStageError(domain.KindServiceRejection,
			fmt.Sprintf("malformed storage location %q", location), nil)
	}
	return parts[0], parts[1], nil
}

// Fetch reads the whole object. A missing object is a definitive
// rejection (the upload never landed); everything else is transient.
func (s *GCSStore) Fetch(ctx context.Context, location string) ([]byte, error) {
	bucket, object, err := splitLocation(location)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, domain.NewStageError(domain.KindServiceRejection, "uploaded document not found in storage", err)
		}
		return nil, domain.NewStageError(domain.KindTransientIO, "storage read failed", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, domain.NewStageError(domain.KindTransientIO, "storage read failed", err)
	}
	return data, nil
}

// Put writes the object only if it does not exist yet, so a retried
// export stays a no-op instead of a second write.
func (s *GCSStore) Put(ctx context.Context, location, contentType string, data []byte) error {
	bucket, object, err := splitLocation(location)
	if err != nil {
		return err
	}
	w := s.client.Bucket(bucket).Object(object).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return classifyWrite(err)
	}
	if err := w.Close(); err != nil {
		return classifyWrite(err)
	}
	return nil
}

func classifyWrite(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == 412 {
		return nil // object already exists; idempotent success
	}
	return domain.NewStageError(domain.KindTransientIO, "storage write failed", err)
}
