package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"attendly.org/internal/attendance"
	"attendly.org/internal/auth"
	"attendly.org/internal/event"
)

func seedEvent(t *testing.T, s *Store, id string) {
	t.Helper()
	if err := s.CreateEvent(context.Background(), event.Event{ID: id, Name: id, Date: event.Date{Year: 2026, Month: time.June, Day: 1}, Active: true}); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
}

func TestMarkCheckedInIsCompareAndSet(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedEvent(t, s, "e1")
	if _, err := s.GetOrCreate(ctx, attendance.Record{ID: "r1", EventID: "e1", ParticipantID: "u1", Token: "tok"}); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	first := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	rec, won, err := s.MarkCheckedIn(ctx, "r1", first)
	if err != nil || !won || rec.CheckedInAt == nil || !rec.CheckedInAt.Equal(first) {
		t.Fatalf("first MarkCheckedIn = %+v %v %v", rec, won, err)
	}
	rec, won, err = s.MarkCheckedIn(ctx, "r1", first.Add(time.Minute))
	if err != nil || won {
		t.Fatalf("second MarkCheckedIn won=%v err=%v", won, err)
	}
	if !rec.CheckedInAt.Equal(first) {
		t.Fatalf("timestamp overwritten: %v", rec.CheckedInAt)
	}
	if _, _, err := s.MarkCheckedIn(ctx, "missing", first); !errors.Is(err, attendance.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetOrCreateConcurrent(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedEvent(t, s, "e1")

	const n = 32
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := s.GetOrCreate(ctx, attendance.Record{
				ID:            "r" + string(rune('a'+i)),
				EventID:       "e1",
				ParticipantID: "u1",
				Token:         attendance.NewToken(),
			})
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			ids[i] = rec.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("different records returned: %v", ids)
		}
	}
	if attendees, _, _ := s.CountAttendance(ctx, "e1"); attendees != 1 {
		t.Fatalf("expected one record, got %d", attendees)
	}
}

func TestGetOrCreateConflicts(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedEvent(t, s, "e1")
	if _, err := s.GetOrCreate(ctx, attendance.Record{ID: "r1", EventID: "e1", ParticipantID: "u1", Token: "t1"}); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	rec, err := s.GetOrCreate(ctx, attendance.Record{ID: "r2", EventID: "e1", ParticipantID: "u1", Token: "t2"})
	if err != nil || rec.ID != "r1" || rec.Token != "t1" {
		t.Fatalf("expected existing record for same pair, got %+v %v", rec, err)
	}
	if _, err := s.GetOrCreate(ctx, attendance.Record{ID: "r3", EventID: "e1", ParticipantID: "u2", Token: "t1"}); !errors.Is(err, attendance.ErrDuplicate) {
		t.Fatalf("same token: expected ErrDuplicate, got %v", err)
	}
	if _, err := s.GetOrCreate(ctx, attendance.Record{ID: "r4", EventID: "nope", ParticipantID: "u1", Token: "t4"}); !errors.Is(err, event.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown event, got %v", err)
	}
}

func TestListByEventCarriesUserDetails(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedEvent(t, s, "e1")
	seedEvent(t, s, "e2")
	base := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

	name := "Grace Hopper"
	if err := s.CreateUser(ctx, auth.User{ID: "u1", Username: "grace", Email: "grace@local", FullName: &name}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	_, _ = s.GetOrCreate(ctx, attendance.Record{ID: "r2", EventID: "e1", ParticipantID: "u2", Token: "t2", CreatedAt: base.Add(time.Minute)})
	_, _ = s.GetOrCreate(ctx, attendance.Record{ID: "r1", EventID: "e1", ParticipantID: "u1", Token: "t1", CreatedAt: base})
	_, _ = s.GetOrCreate(ctx, attendance.Record{ID: "r3", EventID: "e2", ParticipantID: "u1", Token: "t3", CreatedAt: base})

	recs, err := s.ListByEvent(ctx, "e1")
	if err != nil {
		t.Fatalf("ListByEvent: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "r1" || recs[1].ID != "r2" {
		t.Fatalf("unexpected roster: %+v", recs)
	}
	if recs[0].ParticipantName != "Grace Hopper" || recs[0].ParticipantEmail != "grace@local" {
		t.Fatalf("user details missing: %+v", recs[0])
	}
	if recs[1].ParticipantEmail != "" {
		t.Fatalf("unknown user should have no email: %+v", recs[1])
	}
	if recs, _ := s.ListByEvent(ctx, "none"); recs == nil || len(recs) != 0 {
		t.Fatalf("expected empty roster, got %v", recs)
	}
}

func TestDeleteEventCascades(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedEvent(t, s, "e1")
	seedEvent(t, s, "e2")
	_, _ = s.GetOrCreate(ctx, attendance.Record{ID: "r1", EventID: "e1", ParticipantID: "u1", Token: "t1"})
	_, _ = s.GetOrCreate(ctx, attendance.Record{ID: "r2", EventID: "e2", ParticipantID: "u1", Token: "t2"})

	if err := s.DeleteEvent(ctx, "e1"); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}
	if _, err := s.LookupToken(ctx, "t1"); !errors.Is(err, attendance.ErrNotFound) {
		t.Fatalf("record survived its event: %v", err)
	}
	if _, err := s.LookupToken(ctx, "t2"); err != nil {
		t.Fatalf("unrelated record removed: %v", err)
	}
	if err := s.DeleteEvent(ctx, "e1"); !errors.Is(err, event.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeactivateEventOnlyOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedEvent(t, s, "e1")
	at := time.Date(2026, 6, 1, 12, 1, 0, 0, time.UTC)
	if won, err := s.DeactivateEvent(ctx, "e1", at); err != nil || !won {
		t.Fatalf("first deactivate won=%v err=%v", won, err)
	}
	if won, err := s.DeactivateEvent(ctx, "e1", at); err != nil || won {
		t.Fatalf("second deactivate won=%v err=%v", won, err)
	}
	e, _ := s.GetEvent(ctx, "e1")
	if e.Active || !e.UpdatedAt.Equal(at) {
		t.Fatalf("unexpected event after deactivate: %+v", e)
	}
}

func TestProvisionParticipantIsAllOrNothing(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedEvent(t, s, "e1")
	_, _ = s.GetOrCreate(ctx, attendance.Record{ID: "r0", EventID: "e1", ParticipantID: "u0", Token: "taken"})

	name := "Grace"
	u := auth.User{ID: "u1", Username: "grace", Email: "grace@local", FullName: &name}
	err := s.ProvisionParticipant(ctx, u, attendance.Record{ID: "r1", EventID: "e1", ParticipantID: "u1", Token: "taken"})
	if !errors.Is(err, attendance.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if _, err := s.FindUser(ctx, "u1"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("user left behind after failed provisioning: %v", err)
	}

	if err := s.ProvisionParticipant(ctx, u, attendance.Record{ID: "r1", EventID: "e1", ParticipantID: "u1", Token: "fresh"}); err != nil {
		t.Fatalf("ProvisionParticipant: %v", err)
	}
	rec, err := s.FindByToken(ctx, "fresh", "e1")
	if err != nil || rec.ParticipantName != "Grace" {
		t.Fatalf("FindByToken = %+v %v", rec, err)
	}
	if _, err := s.FindByToken(ctx, "fresh", "e2"); !errors.Is(err, attendance.ErrNotFound) {
		t.Fatalf("token resolved for another event: %v", err)
	}
}
