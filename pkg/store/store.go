// Package store defines the document collection the tracker persists pens in.
// Backends live in the memory, gormstore and mongostore subpackages.
package store

import (
	"context"
	"errors"
	"sort"
	"strconv"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrClosed   = errors.New("store closed")
)

// Document is one schemaless record: an id plus arbitrary named fields.
type Document struct {
	ID     string
	Fields map[string]any
}

// Snapshot is the complete set of documents in a collection at one point in time.
type Snapshot []Document

// Store is a single document collection.
type Store interface {
	// Set creates or overwrites one document.
	Set(ctx context.Context, id string, fields map[string]any) error
	// Update merges the named fields into an existing document.
	Update(ctx context.Context, id string, fields map[string]any) error
	// Subscribe delivers the full current snapshot immediately and again after every change.
	Subscribe(ctx context.Context, fn func(Snapshot)) (Subscription, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

type Subscription interface {
	Close()
}

// CloneFields copies the top level of a field map.
func CloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// SortByID orders documents by numeric id when possible, lexically otherwise.
func SortByID(docs Snapshot) {
	sort.SliceStable(docs, func(i, j int) bool {
		a, errA := strconv.Atoi(docs[i].ID)
		b, errB := strconv.Atoi(docs[j].ID)
		if errA == nil && errB == nil {
			return a < b
		}
		return docs[i].ID < docs[j].ID
	})
}
