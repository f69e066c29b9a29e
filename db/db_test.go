package db

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"tripsync/channel"
	"tripsync/models"
)

func TestSnapshotFromChange(t *testing.T) {
	days := models.DefaultItinerary().Days

	snap, ok := snapshotFromChange(docChange{OperationType: "replace", FullDocument: &itineraryDoc{Days: days}})
	assert.Equal(t, true, ok)
	assert.Equal(t, days, snap.Days)

	snap, ok = snapshotFromChange(docChange{OperationType: "delete"})
	assert.Equal(t, true, ok)
	if snap != nil {
		t.Fatal("delete should map to an absent document")
	}

	_, ok = snapshotFromChange(docChange{OperationType: "update"})
	assert.Equal(t, false, ok)
}

func TestItineraryDocRoundTrip(t *testing.T) {
	in := itineraryDoc{Path: "artifacts/a/public/data/itineraries/tokyo-trip-data", Days: models.DefaultItinerary().Days, UpdatedAt: time.Unix(10, 0).UTC()}
	raw, err := bson.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out itineraryDoc
	if err := bson.Unmarshal(raw, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	assert.Equal(t, in.Path, out.Path)
	assert.Equal(t, in.Days[0].Items[0].Name, out.Days[0].Items[0].Name)
	assert.Equal(t, in.Days[3].DayNumber, out.Days[3].DayNumber)
}

func TestExpenseDocConversion(t *testing.T) {
	id := primitive.NewObjectID()
	ts := time.Date(2024, 12, 17, 3, 0, 0, 0, time.UTC)
	rec, err := expenseDoc{ID: id, Path: "p", Item: "ramen", Cost: "1500.50", Timestamp: ts, UserID: "u1"}.expense()
	assert.Equal(t, nil, err)
	assert.Equal(t, id.Hex(), rec.ID)
	assert.Equal(t, "1500.5", rec.Cost.String())
	assert.Equal(t, ts, rec.Timestamp)

	_, err = expenseDoc{ID: id, Cost: "lots"}.expense()
	assert.NotEqual(t, nil, err)
}

func TestSortFor(t *testing.T) {
	assert.Equal(t, bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}, sortFor(channel.TimestampDesc))
	assert.Equal(t, bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}}, sortFor(channel.TimestampAsc))
}

func TestRecordPipelineMatchesPathAndDeletes(t *testing.T) {
	p := recordPipeline("artifacts/a/users/u1/expenses")
	assert.Equal(t, 1, len(p))
	match := p[0][0]
	assert.Equal(t, "$match", match.Key)
}

func TestDeleteOnlyAffectsHeldRecords(t *testing.T) {
	mine := primitive.NewObjectID()
	theirs := primitive.NewObjectID()
	held := recordIDs([]models.Expense{{ID: mine.Hex()}})

	del := recordChange{OperationType: "delete"}
	del.DocumentKey.ID = theirs
	assert.Equal(t, false, affects(del, held))

	del.DocumentKey.ID = mine
	assert.Equal(t, true, affects(del, held))

	assert.Equal(t, true, affects(recordChange{OperationType: "insert"}, held))
	assert.Equal(t, true, affects(recordChange{OperationType: "replace"}, held))
}
