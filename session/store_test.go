package session

import (
	"testing"
	"time"
)

func TestStoreCreateAndGet(t *testing.T) {
	s := NewStore()
	now := time.Now()
	if !s.Create("tok1", "dev1", KindControl, now) {
		t.Fatalf("Create returned false for a fresh token")
	}
	if s.Create("tok1", "dev1", KindControl, now) {
		t.Fatalf("Create returned true for a duplicate token")
	}
	sess, ok := s.Get("tok1")
	if !ok {
		t.Fatalf("Get: session missing")
	}
	if sess.State != StateRequested || sess.DeviceID != "dev1" || sess.Kind != KindControl {
		t.Fatalf("unexpected session: %+v", sess)
	}

	t.Log("Get must return a copy; mutating it must not affect the store.")
	sess.State = StateConfirmed
	again, _ := s.Get("tok1")
	if again.State != StateRequested {
		t.Fatalf("store session mutated through a Get copy")
	}
}

func TestCompareAndSetState(t *testing.T) {
	s := NewStore()
	now := time.Now()
	s.Create("tok1", "dev1", KindControl, now)

	if !s.CompareAndSetState("tok1", StateRequested, StateApproved, now) {
		t.Fatalf("CAS requested->approved failed")
	}
	if s.CompareAndSetState("tok1", StateRequested, StateApproved, now) {
		t.Fatalf("CAS with a stale view succeeded")
	}
	if s.CompareAndSetState("missing", StateRequested, StateApproved, now) {
		t.Fatalf("CAS on a missing session succeeded")
	}
	sess, _ := s.Get("tok1")
	if sess.State != StateApproved {
		t.Fatalf("state: got %s want approved", sess.State)
	}
}

func TestRemoveForDevice(t *testing.T) {
	s := NewStore()
	now := time.Now()
	s.Create("tok1", "dev1", KindControl, now)
	s.Create("tok2", "dev1", KindFileshare, now)
	s.Create("tok3", "dev2", KindControl, now)

	removed := s.RemoveForDevice("dev1")
	if len(removed) != 2 {
		t.Fatalf("removed %d sessions, want 2", len(removed))
	}
	if s.Len() != 1 {
		t.Fatalf("Len: got %d want 1", s.Len())
	}
	if _, ok := s.Get("tok3"); !ok {
		t.Fatalf("other device's session was removed")
	}
}

func TestExpireInactive(t *testing.T) {
	s := NewStore()
	now := time.Now()
	timeout := 90 * time.Second

	s.Create("fresh", "dev1", KindControl, now.Add(-time.Second))
	s.Create("exact", "dev2", KindControl, now.Add(-timeout))
	s.Create("stale", "dev3", KindControl, now.Add(-timeout-time.Second))

	expired := s.ExpireInactive(now, timeout)
	if len(expired) != 1 || expired[0].Token != "stale" {
		t.Fatalf("unexpected expiry set: %+v", expired)
	}
	t.Log("Idle exactly at the timeout boundary is not yet expired.")
	if _, ok := s.Get("exact"); !ok {
		t.Fatalf("boundary session was expired")
	}

	t.Log("Touch must reset the idle clock.")
	s.Touch("exact", now)
	expired = s.ExpireInactive(now.Add(timeout), timeout)
	if len(expired) != 1 || expired[0].Token != "fresh" {
		t.Fatalf("unexpected second expiry set: %+v", expired)
	}
}

func TestGrants(t *testing.T) {
	g := NewGrants()
	if g.IsAuthorized("dev1", "web-admin") {
		t.Fatalf("authorized with no grant")
	}
	g.Grant("dev1", "web-admin")
	if !g.IsAuthorized("dev1", "web-admin") {
		t.Fatalf("not authorized after Grant")
	}
	if g.IsAuthorized("web-admin", "dev1") {
		t.Fatalf("grants must not be symmetric")
	}
	if !g.HasAny("dev1") {
		t.Fatalf("HasAny false with a grant present")
	}

	g.Revoke("dev1", "web-admin")
	if g.IsAuthorized("dev1", "web-admin") || g.HasAny("dev1") {
		t.Fatalf("grant survived Revoke")
	}

	g.Grant("dev1", "web-admin")
	g.RevokeAll("dev1")
	if g.HasAny("dev1") {
		t.Fatalf("grant survived RevokeAll")
	}

	t.Log("Revoking a grant that was never issued is a no-op.")
	g.Revoke("dev2", "web-admin")
}
