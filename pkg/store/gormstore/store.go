// Package gormstore keeps a schemaless document collection in a SQL table,
// one row per document with the fields serialized as JSON. Writes from this
// process notify subscribers directly; writes from other processes are picked
// up by polling.
package gormstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pentracker/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Record is the row a document is stored in.
type Record struct {
	Collection string `gorm:"primaryKey;size:64"`
	DocID      string `gorm:"primaryKey;size:64"`
	Data       string `gorm:"type:text;not null"`
	UpdatedAt  time.Time
}

func (Record) TableName() string {
	return "documents"
}

type Store struct {
	db         *gorm.DB
	collection string
	feed       *store.Feed

	stop     chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	polled bool
	last   []byte
}

// NewStore migrates the documents table and, when pollInterval is positive,
// starts polling for writes made by other processes.
func NewStore(db *gorm.DB, collection string, pollInterval time.Duration) (*Store, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate documents: %w", err)
	}
	s := &Store{
		db:         db,
		collection: collection,
		stop:       make(chan struct{}),
	}
	s.feed = store.NewFeed(s.snapshot, 0)
	if pollInterval > 0 {
		go s.poll(pollInterval)
	}
	return s, nil
}

func (s *Store) Set(ctx context.Context, id string, fields map[string]any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode %s: %w", id, err)
	}
	rec := Record{Collection: s.collection, DocID: id, Data: string(data), UpdatedAt: time.Now().UTC()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
		return fmt.Errorf("set %s: %w", id, err)
	}
	s.feed.Notify()
	return nil
}

func (s *Store) Update(ctx context.Context, id string, fields map[string]any) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec Record
		err := tx.Where("collection = ? AND doc_id = ?", s.collection, id).First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("update %s: %w", id, store.ErrNotFound)
		}
		if err != nil {
			return err
		}

		doc, err := decode(rec.Data)
		if err != nil {
			return fmt.Errorf("decode %s: %w", id, err)
		}
		for k, v := range fields {
			doc[k] = v
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode %s: %w", id, err)
		}

		return tx.Model(&Record{}).
			Where("collection = ? AND doc_id = ?", s.collection, id).
			Updates(map[string]interface{}{"data": string(data), "updated_at": time.Now().UTC()}).Error
	})
	if err != nil {
		return err
	}
	s.feed.Notify()
	return nil
}

func (s *Store) Subscribe(ctx context.Context, fn func(store.Snapshot)) (store.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.feed.Subscribe(fn)
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close stops polling and drops all subscriptions. The gorm handle stays open.
func (s *Store) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.feed.Close()
	return nil
}

func (s *Store) snapshot(ctx context.Context) (store.Snapshot, error) {
	var records []Record
	if err := s.db.WithContext(ctx).Where("collection = ?", s.collection).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("load %s: %w", s.collection, err)
	}
	snap := make(store.Snapshot, 0, len(records))
	for _, rec := range records {
		fields, err := decode(rec.Data)
		if err != nil {
			log.Printf("Skipping undecodable document %s/%s: %v", s.collection, rec.DocID, err)
			continue
		}
		snap = append(snap, store.Document{ID: rec.DocID, Fields: fields})
	}
	store.SortByID(snap)
	return snap, nil
}

func (s *Store) poll(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		if s.feed.Subscribers() == 0 {
			continue
		}
		if s.changed() {
			s.feed.Notify()
		}
	}
}

// changed compares the raw table contents with the previous poll.
func (s *Store) changed() bool {
	var records []Record
	err := s.db.Where("collection = ?", s.collection).Order("doc_id").Find(&records).Error
	if err != nil {
		log.Printf("Polling %s failed: %v", s.collection, err)
		return false
	}
	var buf bytes.Buffer
	for _, rec := range records {
		buf.WriteString(rec.DocID)
		buf.WriteByte(0)
		buf.WriteString(rec.Data)
		buf.WriteByte(0)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.polled && bytes.Equal(s.last, buf.Bytes()) {
		return false
	}
	s.polled = true
	s.last = buf.Bytes()
	return true
}

func decode(data string) (map[string]any, error) {
	fields := map[string]any{}
	if data == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}
