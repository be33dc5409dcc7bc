package statestore

import (
	"context"
	"path/filepath"
	"testing"
)

func testStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, found, err := s.Get(ctx, "missing"); err != nil || found {
		t.Fatalf("Get missing: found=%v err=%v", found, err)
	}

	var events []Event
	cancel := s.Subscribe(func(ev Event) { events = append(events, ev) })
	defer cancel()

	if err := s.Set(ctx, "conn/https://x.test", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, found, err := s.Get(ctx, "conn/https://x.test")
	if err != nil || !found {
		t.Fatalf("Get after Set: found=%v err=%v", found, err)
	}
	if string(v) != `{"a":1}` {
		t.Fatalf("unexpected value: %s", v)
	}

	if err := s.Set(ctx, "vault/password", []byte("h")); err != nil {
		t.Fatalf("Set second key: %v", err)
	}
	got, err := s.List(ctx, "conn/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("List prefix filter broken: %v", got)
	}

	if err := s.Delete(ctx, "conn/https://x.test"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, found, _ := s.Get(ctx, "conn/https://x.test"); found {
		t.Fatal("value survived Delete")
	}

	if len(events) != 3 {
		t.Fatalf("expected 3 change events, got %d", len(events))
	}
	last := events[len(events)-1]
	if !last.Deleted || last.Key != "conn/https://x.test" {
		t.Fatalf("unexpected final event: %+v", last)
	}
}

func TestMemory_Contract(t *testing.T) {
	s := NewMemory()
	defer s.Close()
	testStoreContract(t, s)
}

func TestBolt_Contract(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	defer s.Close()
	testStoreContract(t, s)
}

func TestBolt_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	if err := s.Set(context.Background(), "k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s2, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	v, found, err := s2.Get(context.Background(), "k")
	if err != nil || !found || string(v) != "v" {
		t.Fatalf("data lost across reopen: %s found=%v err=%v", v, found, err)
	}
}

func TestMemory_UnsubscribeStopsDelivery(t *testing.T) {
	s := NewMemory()
	defer s.Close()
	n := 0
	cancel := s.Subscribe(func(Event) { n++ })
	if err := s.Set(context.Background(), "a", []byte("1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	cancel()
	if err := s.Set(context.Background(), "b", []byte("2")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
}
