package beaconqueue

import (
	"testing"

	"github.com/nlighten/lora-gateway/internal/packet"
)

func beacon() *packet.PacketUp { return &packet.PacketUp{Payload: []byte{0xE0}} }

func TestPushEvictsOldestWhenFull(t *testing.T) {
	q := New()
	for i := uint32(0); i < Capacity+2; i++ {
		q.Push(i, beacon())
	}
	if q.Len() != Capacity {
		t.Fatalf("len = %d, want %d", q.Len(), Capacity)
	}
	// keys 0 and 1 should have been evicted; key 2 should be the oldest survivor.
	if _, ok := q.Match(0, nil); ok {
		t.Fatal("expected key 0 to have been evicted")
	}
	if _, ok := q.Match(2, nil); !ok {
		t.Fatal("expected key 2 to still be present")
	}
}

func TestMatchRemovesAndSignsEntry(t *testing.T) {
	q := New()
	b := beacon()
	q.Push(42, b)
	got, ok := q.Match(42, []byte{1, 2, 3})
	if !ok {
		t.Fatal("expected match")
	}
	if got != b {
		t.Fatal("expected matched beacon to be the one pushed")
	}
	if string(got.ConcentratorSig) != "\x01\x02\x03" {
		t.Fatalf("signature not attached: %v", got.ConcentratorSig)
	}
	if q.Len() != 0 {
		t.Fatalf("expected entry to be removed, len = %d", q.Len())
	}
}

func TestMatchOnEmptyQueue(t *testing.T) {
	q := New()
	if _, ok := q.Match(1, nil); ok {
		t.Fatal("expected no match on empty queue")
	}
}

func TestDuplicateKeysMatchOldestFirst(t *testing.T) {
	q := New()
	first := beacon()
	second := beacon()
	q.Push(7, first)
	q.Push(7, second)

	got, ok := q.Match(7, nil)
	if !ok || got != first {
		t.Fatal("expected the oldest entry with a duplicate key to match first")
	}
	got2, ok := q.Match(7, nil)
	if !ok || got2 != second {
		t.Fatal("expected the second duplicate-key entry to match next")
	}
}

func TestQueueNeverExceedsCapacity(t *testing.T) {
	q := New()
	for i := uint32(0); i < 100; i++ {
		q.Push(i, beacon())
		if q.Len() > Capacity {
			t.Fatalf("queue exceeded capacity at i=%d: len=%d", i, q.Len())
		}
	}
}
