// Package mongostore keeps the document collection in MongoDB. Subscribers are
// driven by a change stream; deployments without one (standalone servers) fall
// back to polling.
package mongostore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"pentracker/pkg/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	coll         *mongo.Collection
	feed         *store.Feed
	pollInterval time.Duration

	watchOnce sync.Once
	stop      chan struct{}
	stopOnce  sync.Once
}

// Connect dials MongoDB and returns the client together with a store on database/collection.
func Connect(ctx context.Context, uri, database, collection string, pollInterval time.Duration) (*mongo.Client, *Store, error) {
	log.Printf("Connecting to MongoDB: %s/%s", database, collection)
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("ping mongo: %w", err)
	}
	log.Println("MongoDB connection established successfully")
	return client, NewStore(client.Database(database).Collection(collection), pollInterval), nil
}

func NewStore(coll *mongo.Collection, pollInterval time.Duration) *Store {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	s := &Store{
		coll:         coll,
		pollInterval: pollInterval,
		stop:         make(chan struct{}),
	}
	s.feed = store.NewFeed(s.snapshot, 0)
	return s
}

func (s *Store) Set(ctx context.Context, id string, fields map[string]any) error {
	doc := bson.M{}
	for k, v := range fields {
		doc[k] = v
	}
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("set %s: %w", id, err)
	}
	s.feed.Notify()
	return nil
}

func (s *Store) Update(ctx context.Context, id string, fields map[string]any) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M(fields)})
	if err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("update %s: %w", id, store.ErrNotFound)
	}
	s.feed.Notify()
	return nil
}

func (s *Store) Subscribe(ctx context.Context, fn func(store.Snapshot)) (store.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, err := s.feed.Subscribe(fn)
	if err != nil {
		return nil, err
	}
	s.watchOnce.Do(func() { go s.watch() })
	return sub, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, readpref.Primary())
}

// Close stops watching and drops all subscriptions. The client stays connected.
func (s *Store) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.feed.Close()
	return nil
}

func (s *Store) snapshot(ctx context.Context) (store.Snapshot, error) {
	cursor, err := s.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", s.coll.Name(), err)
	}
	defer cursor.Close(ctx)

	var raw []bson.M
	if err := cursor.All(ctx, &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.coll.Name(), err)
	}
	snap := make(store.Snapshot, 0, len(raw))
	for _, m := range raw {
		snap = append(snap, toDocument(m))
	}
	store.SortByID(snap)
	return snap, nil
}

func (s *Store) watch() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	for {
		cs, err := s.coll.Watch(ctx, mongo.Pipeline{})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Change stream unavailable on %s, polling every %s: %v", s.coll.Name(), s.pollInterval, err)
			s.poll(ctx)
			return
		}
		for cs.Next(ctx) {
			s.feed.Notify()
		}
		err = cs.Err()
		cs.Close(context.Background())
		if ctx.Err() != nil {
			return
		}
		log.Printf("Change stream on %s ended, reopening: %v", s.coll.Name(), err)
		s.feed.Notify()

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (s *Store) poll(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var last string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.feed.Subscribers() == 0 {
			continue
		}
		loadCtx, cancel := context.WithTimeout(ctx, s.pollInterval)
		snap, err := s.snapshot(loadCtx)
		cancel()
		if err != nil {
			log.Printf("Polling %s failed: %v", s.coll.Name(), err)
			continue
		}
		fp := fingerprint(snap)
		if fp != last {
			last = fp
			s.feed.Notify()
		}
	}
}

func toDocument(m bson.M) store.Document {
	doc := store.Document{Fields: make(map[string]any, len(m))}
	for k, v := range m {
		if k == "_id" {
			doc.ID = fmt.Sprint(v)
			continue
		}
		doc.Fields[k] = normalize(v)
	}
	return doc
}

func normalize(v any) any {
	switch t := v.(type) {
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(t.T), 0).UTC()
	case primitive.Null, primitive.Undefined:
		return nil
	default:
		return v
	}
}

func fingerprint(snap store.Snapshot) string {
	data, err := json.Marshal(snap)
	if err != nil {
		return ""
	}
	return string(data)
}
