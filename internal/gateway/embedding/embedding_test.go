package embedding

import (
	"errors"
	"testing"

	"github.com/tkaneda/queryloop/internal/gateway"
)

func TestAlign_RestoresRequestOrder(t *testing.T) {
	// Response arrives scrambled; index tags identify each input
	batch := []IndexedVector{
		{Index: 2, Vector: []float32{3}},
		{Index: 0, Vector: []float32{1}},
		{Index: 1, Vector: []float32{2}},
	}

	vectors, err := Align(batch, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i, want := range []float32{1, 2, 3} {
		if vectors[i][0] != want {
			t.Errorf("position %d: got %v, want %v", i, vectors[i][0], want)
		}
	}
}

func TestAlign_OrderIndependence(t *testing.T) {
	forward := []IndexedVector{
		{Index: 0, Vector: []float32{1}},
		{Index: 1, Vector: []float32{2}},
		{Index: 2, Vector: []float32{3}},
	}
	reverse := []IndexedVector{
		{Index: 2, Vector: []float32{3}},
		{Index: 1, Vector: []float32{2}},
		{Index: 0, Vector: []float32{1}},
	}

	a, err := Align(forward, 3)
	if err != nil {
		t.Fatalf("forward: unexpected error: %v", err)
	}
	b, err := Align(reverse, 3)
	if err != nil {
		t.Fatalf("reverse: unexpected error: %v", err)
	}

	for i := range a {
		if a[i][0] != b[i][0] {
			t.Errorf("position %d differs: forward %v, reverse %v", i, a[i][0], b[i][0])
		}
	}
}

func TestAlign_CountMismatch(t *testing.T) {
	batch := []IndexedVector{{Index: 0, Vector: []float32{1}}}

	if _, err := Align(batch, 2); !errors.Is(err, gateway.ErrIndexMismatch) {
		t.Errorf("expected ErrIndexMismatch, got %v", err)
	}
}

func TestAlign_DuplicateIndex(t *testing.T) {
	batch := []IndexedVector{
		{Index: 0, Vector: []float32{1}},
		{Index: 0, Vector: []float32{2}},
	}

	if _, err := Align(batch, 2); !errors.Is(err, gateway.ErrIndexMismatch) {
		t.Errorf("expected ErrIndexMismatch, got %v", err)
	}
}

func TestAlign_OutOfRangeIndex(t *testing.T) {
	batch := []IndexedVector{
		{Index: 0, Vector: []float32{1}},
		{Index: 5, Vector: []float32{2}},
	}

	if _, err := Align(batch, 2); !errors.Is(err, gateway.ErrIndexMismatch) {
		t.Errorf("expected ErrIndexMismatch, got %v", err)
	}
}
