// Package objectstore provides the blob store adapter for chapter audio and
// combined artifacts, backed by a NATS JetStream object store bucket.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/book-expert/audiobook-service/internal/core"
)

const contentTypeHeader = "Content-Type"

// Store implements core.ObjectStore on a single JetStream bucket.
type Store struct {
	bucket string
	store  nats.ObjectStore
}

// New creates the bucket if it does not exist yet and binds to it otherwise.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*Store, error) {
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Audiobook chapter and artifact storage for the %s bucket.", bucketName),
		TTL:         0,
		MaxBytes:    0,
		Storage:     nats.FileStorage,
		Replicas:    1,
		Placement:   nil,
		Metadata:    nil,
		Compression: false,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}

		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	return &Store{
		bucket: bucketName,
		store:  store,
	}, nil
}

// Put writes an object, overwriting any existing one. The newest write wins.
func (s *Store) Put(_ context.Context, key string, data []byte, contentType string) error {
	meta := &nats.ObjectMeta{
		Name:        key,
		Description: "",
		Headers:     nil,
		Metadata:    nil,
		Opts:        nil,
	}
	if contentType != "" {
		meta.Headers = nats.Header{contentTypeHeader: []string{contentType}}
	}

	_, err := s.store.Put(meta, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, s.bucket, err)
	}

	return nil
}

// PutIfAbsent writes an object only when the key does not exist, failing
// with core.ErrPreconditionFailed otherwise. Used for content-addressed
// blobs that are immutable once written.
func (s *Store) PutIfAbsent(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.store.GetInfo(key)
	if err == nil {
		return fmt.Errorf("%w: object '%s' already exists in bucket '%s'",
			core.ErrPreconditionFailed, key, s.bucket)
	}

	if !errors.Is(err, nats.ErrObjectNotFound) {
		return fmt.Errorf("failed to check object '%s' in bucket '%s': %w", key, s.bucket, err)
	}

	return s.Put(ctx, key, data, contentType)
}

// Get reads an object, mapping a missing key onto core.ErrNotFound so
// callers can reconcile stale references instead of failing hard.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	obj, err := s.store.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: object '%s' in bucket '%s'", core.ErrNotFound, key, s.bucket)
		}

		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, s.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return data, nil
}

// Head returns object metadata without reading the body.
func (s *Store) Head(_ context.Context, key string) (core.ObjectInfo, error) {
	info, err := s.store.GetInfo(key)
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return core.ObjectInfo{}, fmt.Errorf("%w: object '%s' in bucket '%s'",
				core.ErrNotFound, key, s.bucket)
		}

		return core.ObjectInfo{}, fmt.Errorf("failed to stat object '%s' in bucket '%s': %w",
			key, s.bucket, err)
	}

	return core.ObjectInfo{
		Key:     info.Name,
		Size:    int64(info.Size),
		ModTime: info.ModTime,
	}, nil
}

// List returns every object whose key starts with prefix. An empty bucket
// yields an empty slice, not an error.
func (s *Store) List(_ context.Context, prefix string) ([]core.ObjectInfo, error) {
	objects, err := s.store.List()
	if err != nil {
		if errors.Is(err, nats.ErrNoObjectsFound) {
			return []core.ObjectInfo{}, nil
		}

		return nil, fmt.Errorf("failed to list bucket '%s': %w", s.bucket, err)
	}

	infos := make([]core.ObjectInfo, 0, len(objects))

	for _, obj := range objects {
		if obj.Deleted || !strings.HasPrefix(obj.Name, prefix) {
			continue
		}

		infos = append(infos, core.ObjectInfo{
			Key:     obj.Name,
			Size:    int64(obj.Size),
			ModTime: obj.ModTime,
		})
	}

	return infos, nil
}

// Delete removes an object. Missing keys are treated as already deleted.
func (s *Store) Delete(_ context.Context, key string) error {
	err := s.store.Delete(key)
	if err != nil && !errors.Is(err, nats.ErrObjectNotFound) {
		return fmt.Errorf("failed to delete object '%s' from bucket '%s': %w", key, s.bucket, err)
	}

	return nil
}

// DeletePrefix removes every object under the prefix and reports the count.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	infos, err := s.List(ctx, prefix)
	if err != nil {
		return 0, err
	}

	deleted := 0

	for _, info := range infos {
		deleteErr := s.Delete(ctx, info.Key)
		if deleteErr != nil {
			return deleted, deleteErr
		}

		deleted++
	}

	return deleted, nil
}
