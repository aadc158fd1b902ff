// Package objectstore uploads audio to a NATS JetStream object store bucket.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const headerContentType = "Content-Type"

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string
	Size        uint64
	ContentType string
}

// NatsObjectStore implements core.ObjectStore using NATS JetStream.
type NatsObjectStore struct {
	bucket string
	store  nats.ObjectStore
}

// New creates the bucket, or binds to it when it already exists.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*NatsObjectStore, error) {
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Narration audio for the %s bucket.", bucketName),
		TTL:         0,
		MaxBytes:    0,
		Storage:     nats.FileStorage,
		Replicas:    1,
		Placement:   nil,
		Metadata:    nil,
		Compression: false,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}

		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsObjectStore{
		bucket: bucketName,
		store:  store,
	}, nil
}

// Upload streams r into the bucket under key.
func (n *NatsObjectStore) Upload(ctx context.Context, key, contentType string, r io.Reader) error {
	headers := nats.Header{}
	if contentType != "" {
		headers.Set(headerContentType, contentType)
	}

	_, err := n.store.Put(&nats.ObjectMeta{
		Name:        key,
		Description: "",
		Headers:     headers,
		Metadata:    nil,
		Opts:        nil,
	}, r, nats.Context(ctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("failed to put object '%s': %w", key, ctxErr)
		}

		return fmt.Errorf("%w: failed to put object '%s' to bucket '%s': %w", core.ErrStorageTransient, key, n.bucket, err)
	}

	return nil
}

// Download retrieves an object. A missing key wraps core.ErrNotFound.
func (n *NatsObjectStore) Download(ctx context.Context, key string) ([]byte, error) {
	obj, err := n.store.Get(key, nats.Context(ctx))
	if err != nil {
		return nil, n.getError(key, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("%w: failed to read object '%s': %w", core.ErrStorageTransient, key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return data, nil
}

// Stat returns the size and content type of an object.
func (n *NatsObjectStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := n.store.GetInfo(key, nats.Context(ctx))
	if err != nil {
		return ObjectInfo{}, n.getError(key, err)
	}

	return ObjectInfo{
		Key:         info.Name,
		Size:        info.Size,
		ContentType: info.Headers.Get(headerContentType),
	}, nil
}

func (n *NatsObjectStore) getError(key string, err error) error {
	if errors.Is(err, nats.ErrObjectNotFound) {
		return fmt.Errorf("%w: object '%s' in bucket '%s': %w", core.ErrStorageFatal, key, n.bucket, core.ErrNotFound)
	}

	return fmt.Errorf("%w: failed to get object '%s' from bucket '%s': %w", core.ErrStorageTransient, key, n.bucket, err)
}
