package objstore

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
)

// ObjectStore is a generic interface for object store operations
type ObjectStore interface {
	Put(ctx context.Context, bucket, obj string, reader io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, obj string) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, obj string) error
}

// MinioObjStore is an implementation of ObjectStore using Minio
type MinioObjStore struct {
	client *minio.Client
}

// NewMinioObjectStore creates a new instance of MinioObjStore with the provided Minio client
func NewMinioObjectStore(client *minio.Client) *MinioObjStore {
	return &MinioObjStore{client: client}
}

// Put uploads an object to Minio
func (s *MinioObjStore) Put(ctx context.Context, bucket, obj string, reader io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, obj, reader, size, minio.PutObjectOptions{ContentType: contentType})
	return err
}

// Get retrieves an object from Minio
func (s *MinioObjStore) Get(ctx context.Context, bucket, obj string) (io.ReadCloser, error) {
	return s.client.GetObject(ctx, bucket, obj, minio.GetObjectOptions{})
}

// Delete removes an object from Minio. The Driver's delete-fan-out loop does
// not call it; a deleted batch's logs and specs stay in the store.
func (s *MinioObjStore) Delete(ctx context.Context, bucket, obj string) error {
	return s.client.RemoveObject(ctx, bucket, obj, minio.RemoveObjectOptions{})
}

// Paths mirrors spec.md §6's persisted layout:
// {bucket}/{instance_id}/batch/{batch}/{job}/{attempt}/{task}/log for logs,
// .../status for status blobs, and
// {bucket}/{instance_id}/batch/{batch}/bunch/{token}/specs for full job specs.
type Paths struct {
	InstanceID string
}

func (p Paths) attemptPrefix(batchID, jobID int64, attemptID string) string {
	return fmt.Sprintf("%s/batch/%d/%d/%s", p.InstanceID, batchID, jobID, attemptID)
}

// LogPath is the object key for one task's log within an attempt.
func (p Paths) LogPath(batchID, jobID int64, attemptID, task string) string {
	return fmt.Sprintf("%s/%s/log", p.attemptPrefix(batchID, jobID, attemptID), task)
}

// StatusPath is the object key for an attempt's terminal status blob.
func (p Paths) StatusPath(batchID, jobID int64, attemptID string) string {
	return fmt.Sprintf("%s/status", p.attemptPrefix(batchID, jobID, attemptID))
}

// SpecsPath is the object key for a create-jobs bunch's full specs, keyed
// by the client-supplied idempotency token so a retried bunch overwrites
// rather than duplicates.
func (p Paths) SpecsPath(batchID int64, token string) string {
	return fmt.Sprintf("%s/batch/%d/bunch/%s/specs", p.InstanceID, batchID, token)
}
