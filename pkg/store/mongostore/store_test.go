package mongostore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"pentracker/pkg/store"
)

func TestStoreWrites(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	if mt.Client != nil {
		defer mt.Client.Disconnect(context.Background())
	}

	mt.Run("set upserts document", func(mt *mtest.T) {
		s := NewStore(mt.Coll, time.Second)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))

		err := s.Set(context.Background(), "1", map[string]any{"borrower": nil, "repairing": false})
		assert.NoError(mt, err)
	})

	mt.Run("update merges fields", func(mt *mtest.T) {
		s := NewStore(mt.Coll, time.Second)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))

		err := s.Update(context.Background(), "3", map[string]any{"repairing": true})
		assert.NoError(mt, err)
	})

	mt.Run("update of missing document", func(mt *mtest.T) {
		s := NewStore(mt.Coll, time.Second)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 0},
			bson.E{Key: "nModified", Value: 0},
		))

		err := s.Update(context.Background(), "93", map[string]any{"repairing": true})
		assert.ErrorIs(mt, err, store.ErrNotFound)
	})

	mt.Run("write error surfaces", func(mt *mtest.T) {
		s := NewStore(mt.Coll, time.Second)
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "duplicate key error",
		}))

		err := s.Set(context.Background(), "1", map[string]any{})
		assert.Error(mt, err)
	})
}

func TestSnapshotDecodesDocuments(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	if mt.Client != nil {
		defer mt.Client.Disconnect(context.Background())
	}

	mt.Run("dates and ordering", func(mt *mtest.T) {
		s := NewStore(mt.Coll, time.Second)
		end := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "test.pens", mtest.FirstBatch,
			bson.D{
				{Key: "_id", Value: "10"},
				{Key: "repairing", Value: true},
			},
			bson.D{
				{Key: "_id", Value: "2"},
				{Key: "borrower", Value: "alice@example.com"},
				{Key: "endDate", Value: primitive.NewDateTimeFromTime(end)},
				{Key: "startDate", Value: nil},
			},
		))

		snap, err := s.snapshot(context.Background())
		require.NoError(mt, err)
		require.Len(mt, snap, 2)
		assert.Equal(mt, "2", snap[0].ID)
		assert.Equal(mt, "alice@example.com", snap[0].Fields["borrower"])
		assert.Equal(mt, end, snap[0].Fields["endDate"])
		assert.Nil(mt, snap[0].Fields["startDate"])
		assert.Equal(mt, "10", snap[1].ID)
		assert.Equal(mt, true, snap[1].Fields["repairing"])
	})
}

func TestNormalize(t *testing.T) {
	at := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, at, normalize(primitive.NewDateTimeFromTime(at)))
	assert.Nil(t, normalize(primitive.Null{}))
	assert.Equal(t, "x", normalize("x"))
}

func TestFingerprintChangesWithContent(t *testing.T) {
	a := store.Snapshot{{ID: "1", Fields: map[string]any{"repairing": false}}}
	b := store.Snapshot{{ID: "1", Fields: map[string]any{"repairing": true}}}
	assert.Equal(t, fingerprint(a), fingerprint(a))
	assert.NotEqual(t, fingerprint(a), fingerprint(b))
}
