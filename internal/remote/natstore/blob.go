package natstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/dlemos/pchat/internal/remote"
)

const blobURLPrefix = "nats-obj://" + blobBucket + "/"

// Upload stores the bytes in the object store bucket and returns a stable
// URL for them.
func (s *Store) Upload(ctx context.Context, data []byte) (string, error) {
	id := uuid.NewString()
	if _, err := s.blobs.PutBytes(ctx, id, data); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("upload blob: %v: %w", err, remote.ErrCanceled)
		}
		return "", fmt.Errorf("upload blob: %v: %w", err, remote.ErrUnavailable)
	}
	return blobURLPrefix + id, nil
}

// GetBlob resolves a URL produced by Upload back to its bytes.
func (s *Store) GetBlob(ctx context.Context, url string) ([]byte, error) {
	id, ok := strings.CutPrefix(url, blobURLPrefix)
	if !ok {
		return nil, fmt.Errorf("get blob %q: %w", url, remote.ErrNotFound)
	}
	data, err := s.blobs.GetBytes(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, fmt.Errorf("get blob %q: %w", url, remote.ErrNotFound)
		}
		return nil, fmt.Errorf("get blob %q: %v: %w", url, err, remote.ErrUnavailable)
	}
	return data, nil
}
