package archive

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bigbag/flashlog/internal/recstore"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ticks := 0
	a.now = func() time.Time {
		ticks++
		return base.Add(time.Duration(ticks) * time.Second)
	}
	return a
}

func TestArchive_ExportAndRead(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	exp, err := a.Begin(ctx, "image:test.img", 0xEF4017)
	if err != nil {
		t.Fatal(err)
	}
	records := []recstore.Record{
		{ID: 2, Address: 0x41000, Data: []byte("second")},
		{ID: 1, Address: 0x40000, Data: []byte("first")},
	}
	for _, r := range records {
		if err := exp.Add(ctx, r); err != nil {
			t.Fatalf("Add(%d) error = %v", r.ID, err)
		}
	}
	if exp.Count() != 2 {
		t.Errorf("Count() = %d, want 2", exp.Count())
	}
	if err := exp.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	sessions, err := a.Sessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Fatalf("len(Sessions()) = %d, want 1", len(sessions))
	}
	s := sessions[0]
	if s.ID != exp.ID() || s.Records != 2 || s.JEDECID != 0xEF4017 || s.Device != "image:test.img" {
		t.Errorf("Sessions()[0] = %+v", s)
	}
	if !s.FinishedAt.After(s.StartedAt) {
		t.Errorf("FinishedAt %v not after StartedAt %v", s.FinishedAt, s.StartedAt)
	}

	got, err := a.Records(ctx, exp.ID())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 2 {
		t.Fatalf("Records() = %+v, want ids 1 and 2", got)
	}
	if !bytes.Equal(got[0].Data, []byte("first")) || got[0].Address != 0x40000 {
		t.Errorf("Records()[0] = %+v", got[0])
	}
}

func TestArchive_Rollback(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	exp, err := a.Begin(ctx, "dev", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := exp.Add(ctx, recstore.Record{ID: 1, Data: []byte{1}}); err != nil {
		t.Fatal(err)
	}
	if err := exp.Rollback(); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if err := exp.Add(ctx, recstore.Record{ID: 2, Data: []byte{2}}); !errors.Is(err, ErrClosed) {
		t.Errorf("Add() after Rollback error = %v, want ErrClosed", err)
	}

	sessions, err := a.Sessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Errorf("len(Sessions()) = %d, want 0 after rollback", len(sessions))
	}
}

func TestArchive_DuplicateRecordReplaced(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	exp, err := a.Begin(ctx, "dev", 0)
	if err != nil {
		t.Fatal(err)
	}
	exp.Add(ctx, recstore.Record{ID: 7, Data: []byte("old")})
	exp.Add(ctx, recstore.Record{ID: 7, Data: []byte("new")})
	if err := exp.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if err := exp.Commit(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("second Commit() error = %v, want ErrClosed", err)
	}

	got, err := a.Records(ctx, exp.ID())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || string(got[0].Data) != "new" {
		t.Errorf("Records() = %+v, want one record with data new", got)
	}
}

func TestArchive_SessionsNewestFirst(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	var ids []string
	for range 3 {
		exp, err := a.Begin(ctx, "dev", 0)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, exp.ID())
		if err := exp.Commit(ctx); err != nil {
			t.Fatal(err)
		}
	}

	sessions, err := a.Sessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 3 {
		t.Fatalf("len(Sessions()) = %d, want 3", len(sessions))
	}
	if sessions[0].ID != ids[2] || sessions[2].ID != ids[0] {
		t.Errorf("Sessions() order = %s, %s, %s", sessions[0].ID, sessions[1].ID, sessions[2].ID)
	}
}

func TestArchive_DetectsDamagedRow(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	exp, err := a.Begin(ctx, "dev", 0)
	if err != nil {
		t.Fatal(err)
	}
	exp.Add(ctx, recstore.Record{ID: 1, Data: []byte("payload")})
	if err := exp.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := a.db.Exec("UPDATE records SET data = ? WHERE record_id = 1", []byte("tampered")); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Records(ctx, exp.ID()); !errors.Is(err, recstore.ErrCrc) {
		t.Errorf("Records() error = %v, want ErrCrc", err)
	}
}
