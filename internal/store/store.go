// Package store defines the coordinator's contract with the platform's
// relational data store and provides the PostgreSQL implementation. The
// coordinator only ever inserts workflow messages and reads participant
// rosters; everything else about the schema belongs to the CRUD services.
package store

import "context"

// MessageStore is the persistence contract the session workers depend on.
// Both calls are treated as opaque, possibly-failing remote operations.
type MessageStore interface {
	// InsertMessage durably records a workflow message and returns the
	// id assigned by the store.
	InsertMessage(ctx context.Context, sessionID, sender, kind, content string, mediaFileID *int64, shareToken string) (int64, error)

	// ListParticipants returns the identities of every participant
	// registered against the workflow, connected or not.
	ListParticipants(ctx context.Context, sessionID string) ([]string, error)
}
