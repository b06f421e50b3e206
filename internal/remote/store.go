// Package remote defines the boundary to the document store, blob store and
// related collaborators. The sync engine only ever talks to these interfaces;
// litestore and natstore are the concrete backends.
package remote

import (
	"context"
	"encoding/json"
)

// Collection names used by the engine. Message collections are scoped per
// chat so a thread subscription only observes its own chat.
const (
	UsersCollection       = "users"
	CredentialsCollection = "credentials"
	ChatsCollection       = "chats"
)

// MessagesCollection returns the per-chat message collection name.
func MessagesCollection(chatID string) string {
	return "messages/" + chatID
}

// Doc is a stored document: an opaque key plus its full JSON value.
// Snapshot deltas always carry complete documents, never partial fields.
type Doc struct {
	Key  string
	Data json.RawMessage
}

// Delta describes the documents added, modified and removed in a subscribed
// collection since the previous notification. A failing feed delivers a
// delta with Err set and no document changes; there is no caller to return
// the failure to, so it travels the notification path.
type Delta struct {
	Added    []Doc
	Modified []Doc
	Removed  []string
	Err      error
}

// Empty reports whether the delta carries no changes and no error.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0 && d.Err == nil
}

// Handler receives snapshot deltas for a subscription. Handlers are invoked
// in emission order within one subscription; no ordering holds across
// subscriptions.
type Handler func(Delta)

// Subscription is a live change feed. Cancel is idempotent and stops
// delivery; an in-flight delta may still arrive after Cancel returns, which
// is why reconciliation guards with generation tokens.
type Subscription interface {
	Cancel()
}

// Store is the remote document store boundary.
//
// Subscribe registers a handler and returns immediately; the current
// matching documents are delivered as an initial Added delta, followed by
// one delta per observed write. Write upserts by key and suspends the caller
// until the store acknowledges. Read returns ErrNotFound for a missing key.
type Store interface {
	Subscribe(ctx context.Context, collection string, filter Filter, fn Handler) (Subscription, error)
	Write(ctx context.Context, collection, key string, doc any, opts ...WriteOption) error
	Read(ctx context.Context, collection, key string) (json.RawMessage, error)
	Query(ctx context.Context, collection string, filter Filter) ([]Doc, error)
}

// Blob is the blob store boundary. Upload returns a stable URL for the
// stored bytes.
type Blob interface {
	Upload(ctx context.Context, data []byte) (string, error)
}

// WriteOptions modify Write behaviour.
type WriteOptions struct {
	// ServerTimeField names a top-level numeric field the store stamps with
	// its own monotonic clock (millis) at commit time.
	ServerTimeField string
	// Merge folds the written fields into an existing document instead of
	// replacing it wholesale.
	Merge bool
}

// WriteOption configures a Write call.
type WriteOption func(*WriteOptions)

// WithServerTime makes the store assign its clock to the named field.
func WithServerTime(field string) WriteOption {
	return func(o *WriteOptions) { o.ServerTimeField = field }
}

// WithMerge makes the write a field-level merge rather than a replacement.
func WithMerge() WriteOption {
	return func(o *WriteOptions) { o.Merge = true }
}

// ApplyWriteOptions folds opts into a WriteOptions value. Used by backends.
func ApplyWriteOptions(opts []WriteOption) WriteOptions {
	var o WriteOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
