package storage

import (
	"testing"
	"time"

	"go.viam.com/test"
)

func TestRecordAndRecentCalls(t *testing.T) {
	db, err := Open(t.TempDir())
	test.That(t, err, test.ShouldBeNil)
	defer db.Close()

	base := time.UnixMilli(1_700_000_000_000)
	for i, id := range []string{"c-1", "c-2", "c-3"} {
		err := db.RecordCall(CallEntry{
			CallID:    id,
			PeerID:    "bob",
			Role:      "caller",
			Reason:    "NORMAL",
			Connected: i%2 == 0,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			EndedAt:   base.Add(time.Duration(i)*time.Minute + 30*time.Second),
		})
		test.That(t, err, test.ShouldBeNil)
	}

	got, err := db.RecentCalls(2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldHaveLength, 2)
	test.That(t, got[0].CallID, test.ShouldEqual, "c-3")
	test.That(t, got[0].Connected, test.ShouldBeTrue)
	test.That(t, got[0].Duration(), test.ShouldEqual, 30*time.Second)
	test.That(t, got[1].CallID, test.ShouldEqual, "c-2")
	test.That(t, got[1].Connected, test.ShouldBeFalse)
}

func TestRecordCallReplaces(t *testing.T) {
	db, err := Open(t.TempDir())
	test.That(t, err, test.ShouldBeNil)
	defer db.Close()

	now := time.Now()
	test.That(t, db.RecordCall(CallEntry{CallID: "c", PeerID: "p", Role: "receiver", Reason: "FAILED", StartedAt: now, EndedAt: now}), test.ShouldBeNil)
	test.That(t, db.RecordCall(CallEntry{CallID: "c", PeerID: "p", Role: "receiver", Reason: "NORMAL", StartedAt: now, EndedAt: now}), test.ShouldBeNil)

	got, err := db.RecentCalls(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldHaveLength, 1)
	test.That(t, got[0].Reason, test.ShouldEqual, "NORMAL")

	test.That(t, db.RecordCall(CallEntry{}), test.ShouldNotBeNil)
}

func TestPeerStatus(t *testing.T) {
	db, err := Open(t.TempDir())
	test.That(t, err, test.ShouldBeNil)
	defer db.Close()

	_, ok := db.GetPeerStatus("bob")
	test.That(t, ok, test.ShouldBeFalse)

	seen := time.UnixMilli(1_700_000_000_000)
	test.That(t, db.UpsertPeerStatus(PeerStatus{PeerID: "bob", Status: "online", LastSeen: seen}), test.ShouldBeNil)
	test.That(t, db.UpsertPeerStatus(PeerStatus{PeerID: "bob", Status: "in-call", LastSeen: seen.Add(time.Second)}), test.ShouldBeNil)

	p, ok := db.GetPeerStatus("bob")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, p.Status, test.ShouldEqual, "in-call")
	test.That(t, p.LastSeen.Equal(seen.Add(time.Second)), test.ShouldBeTrue)
}
