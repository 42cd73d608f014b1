package cache

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tkaneda/queryloop/internal/repository"
)

func testEntry(t *testing.T) Entry {
	t.Helper()
	groupID := uuid.New()
	q, err := repository.NewQuery(groupID, "films set underwater", repository.DomainDescription, repository.ReplyResults, []float32{0.5})
	if err != nil {
		t.Fatalf("NewQuery: %v", err)
	}
	ev, err := repository.NewEvaluation(q.ID, 1.15, map[string]float64{"chunk-a": 0.9})
	if err != nil {
		t.Fatalf("NewEvaluation: %v", err)
	}
	return Entry{Query: q, Evaluation: ev}
}

func TestPerformerCache_SetGet(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	groupID := uuid.New()
	entry := testEntry(t)
	c.Set(groupID, entry)

	got, ok := c.Get(groupID)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.Query.ID != entry.Query.ID {
		t.Errorf("got query %v, want %v", got.Query.ID, entry.Query.ID)
	}

	if _, ok := c.Get(uuid.New()); ok {
		t.Error("expected miss for unknown group")
	}
}

func TestPerformerCache_Expiry(t *testing.T) {
	c := New(10 * time.Millisecond)
	defer c.Close()

	groupID := uuid.New()
	c.Set(groupID, testEntry(t))

	if _, ok := c.Get(groupID); !ok {
		t.Fatal("expected hit before expiry")
	}

	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get(groupID); ok {
		t.Error("expected miss after TTL")
	}
}

func TestPerformerCache_Invalidate(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	groupID := uuid.New()
	c.Set(groupID, testEntry(t))
	c.Invalidate(groupID)

	if _, ok := c.Get(groupID); ok {
		t.Error("expected miss after invalidation")
	}
}

func TestPerformerCache_SweepRemovesExpired(t *testing.T) {
	c := New(10 * time.Millisecond)
	defer c.Close()

	c.Set(uuid.New(), testEntry(t))
	c.Set(uuid.New(), testEntry(t))

	// The sweeper runs at least every second
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.Len() == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Errorf("expected sweeper to drop expired entries, %d remain", c.Len())
}
