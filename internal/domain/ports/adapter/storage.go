package adapter

import "context"

// ObjectStore provides the uploaded artifact bytes and receives the
// exported result object. Locations are "gs://bucket/object" or
// "bucket/object".
//
// Fetch classifies "not found" as a fatal StageError and transport
// errors as transient. Put must be idempotent: writing the same
// location twice is a no-op, not an error.
type ObjectStore interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
	Put(ctx context.Context, location, contentType string, data []byte) error
}
