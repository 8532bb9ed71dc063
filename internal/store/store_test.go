package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pdromr/chatsync/internal/errs"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so run it again to check idempotency.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestAppendIdempotent(t *testing.T) {
	db := testDB(t)

	m := &Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Body: "hello", CreatedAt: 1000}
	if err := db.Append(m); err != nil {
		t.Fatal(err)
	}
	// Appending the same id again must not create a duplicate or change anything.
	m2 := &Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Body: "changed", CreatedAt: 9999}
	if err := db.Append(m2); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListOrdered("c1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Body != "hello" {
		t.Errorf("body = %q, want hello (append must not overwrite)", msgs[0].Body)
	}
	if msgs[0].DeliveryState != StatePending {
		t.Errorf("state = %q, want pending", msgs[0].DeliveryState)
	}
}

func TestListOrderedSequencedFirst(t *testing.T) {
	db := testDB(t)

	// Insert out of order: unsequenced, seq 2, seq 1, unsequenced (earlier createdAt).
	msgs := []Message{
		{ID: "u2", ConversationID: "c1", Body: "unseq late", CreatedAt: 5000, DeliveryState: StatePending},
		{ID: "s2", ConversationID: "c1", Body: "two", CreatedAt: 2000, Sequence: 2, DeliveryState: StateSent},
		{ID: "s1", ConversationID: "c1", Body: "one", CreatedAt: 3000, Sequence: 1, DeliveryState: StateSent},
		{ID: "u1", ConversationID: "c1", Body: "unseq early", CreatedAt: 4000, DeliveryState: StatePending},
	}
	for i := range msgs {
		if err := db.Append(&msgs[i]); err != nil {
			t.Fatal(err)
		}
	}

	got, err := db.ListOrdered("c1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	wantIDs := []string{"s1", "s2", "u1", "u2"}
	if len(got) != len(wantIDs) {
		t.Fatalf("got %d messages, want %d", len(got), len(wantIDs))
	}
	for i, id := range wantIDs {
		if got[i].ID != id {
			t.Errorf("position %d = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestListOrderedRestartable(t *testing.T) {
	db := testDB(t)

	for i := 1; i <= 5; i++ {
		m := &Message{ID: string(rune('a' + i)), ConversationID: "c1", Sequence: int64(i), CreatedAt: int64(i) * 100, DeliveryState: StateSent}
		if err := db.Append(m); err != nil {
			t.Fatal(err)
		}
	}

	first, err := db.ListOrdered("c1", 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	rest, err := db.ListOrdered("c1", 3, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 3 || len(rest) != 2 {
		t.Fatalf("pages = %d+%d, want 3+2", len(first), len(rest))
	}
	if first[2].Sequence != 3 || rest[0].Sequence != 4 {
		t.Errorf("page boundary = %d|%d, want 3|4", first[2].Sequence, rest[0].Sequence)
	}
}

func TestMarkStateForwardOnly(t *testing.T) {
	db := testDB(t)

	if err := db.Append(&Message{ID: "m1", ConversationID: "c1"}); err != nil {
		t.Fatal(err)
	}

	if err := db.MarkState("m1", StateSent, 7); err != nil {
		t.Fatal(err)
	}
	m, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.DeliveryState != StateSent || m.Sequence != 7 {
		t.Errorf("got %s/%d, want sent/7", m.DeliveryState, m.Sequence)
	}

	if err := db.MarkState("m1", StateDelivered, 0); err != nil {
		t.Fatal(err)
	}

	// Backward transition must be rejected without mutating the row.
	err = db.MarkState("m1", StateSent, 0)
	if !errs.IsStaleTransition(err) {
		t.Fatalf("expected StaleTransitionError, got %v", err)
	}
	m, _ = db.GetMessage("m1")
	if m.DeliveryState != StateDelivered || m.Sequence != 7 {
		t.Errorf("row changed by rejected transition: %s/%d", m.DeliveryState, m.Sequence)
	}
}

func TestMarkStateFailedOnlyFromPending(t *testing.T) {
	db := testDB(t)

	if err := db.Append(&Message{ID: "m1", ConversationID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkState("m1", StateSent, 1); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkState("m1", StateFailed, 0); !errs.IsStaleTransition(err) {
		t.Errorf("sent -> failed should be stale, got %v", err)
	}

	if err := db.Append(&Message{ID: "m2", ConversationID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkState("m2", StateFailed, 0); err != nil {
		t.Errorf("pending -> failed should succeed: %v", err)
	}
}

func TestMarkStateUnknownMessage(t *testing.T) {
	db := testDB(t)

	err := db.MarkState("missing", StateSent, 1)
	if !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyRemoteIdempotent(t *testing.T) {
	db := testDB(t)

	m := &Message{ID: "m1", ConversationID: "c1", Body: "hi", CreatedAt: 1000, Sequence: 3, DeliveryState: StateSent}
	res, err := ApplyRemote(db.DB, m)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Appended {
		t.Error("first apply should append")
	}

	res, err = ApplyRemote(db.DB, m)
	if err != nil {
		t.Fatal(err)
	}
	if res.Appended || res.StateChanged || res.SequenceSet {
		t.Errorf("second apply should be a no-op, got %+v", res)
	}

	msgs, _ := db.ListOrdered("c1", 10, 0)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
}

func TestApplyRemoteAdvancesStateAndSequence(t *testing.T) {
	db := testDB(t)

	// Locally-created pending message.
	if err := db.Append(&Message{ID: "m1", ConversationID: "c1", Body: "hi", CreatedAt: 1000}); err != nil {
		t.Fatal(err)
	}

	// Remote echo carries the assigned sequence and delivered state.
	echo := &Message{ID: "m1", ConversationID: "c1", Body: "hi", CreatedAt: 1000, Sequence: 5, DeliveryState: StateDelivered}
	res, err := ApplyRemote(db.DB, echo)
	if err != nil {
		t.Fatal(err)
	}
	if !res.StateChanged || !res.SequenceSet {
		t.Errorf("expected state+sequence advance, got %+v", res)
	}

	m, _ := db.GetMessage("m1")
	if m.DeliveryState != StateDelivered || m.Sequence != 5 {
		t.Errorf("got %s/%d, want delivered/5", m.DeliveryState, m.Sequence)
	}

	// A stale duplicate (sent, same sequence) must not move state backward.
	stale := &Message{ID: "m1", ConversationID: "c1", Sequence: 5, DeliveryState: StateSent}
	res, err = ApplyRemote(db.DB, stale)
	if err != nil {
		t.Fatal(err)
	}
	if res.StateChanged {
		t.Error("backward state change applied")
	}
	m, _ = db.GetMessage("m1")
	if m.DeliveryState != StateDelivered {
		t.Errorf("state = %s, want delivered", m.DeliveryState)
	}
}

func TestApplyRemoteSequenceConflict(t *testing.T) {
	db := testDB(t)

	a := &Message{ID: "a", ConversationID: "c1", Sequence: 10, DeliveryState: StateSent, CreatedAt: 100}
	if _, err := ApplyRemote(db.DB, a); err != nil {
		t.Fatal(err)
	}

	// Different id claiming the same sequence: flagged, still applied.
	b := &Message{ID: "b", ConversationID: "c1", Sequence: 10, DeliveryState: StateSent, CreatedAt: 200}
	res, err := ApplyRemote(db.DB, b)
	if err != nil {
		t.Fatal(err)
	}
	if res.ConflictsWith != "a" {
		t.Errorf("ConflictsWith = %q, want a", res.ConflictsWith)
	}

	msgs, _ := db.ListOrdered("c1", 10, 0)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (never dropped)", len(msgs))
	}
}

func TestEnqueueOutboxDurableAndIdempotent(t *testing.T) {
	db := testDB(t)

	m := &Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Body: "hi", CreatedAt: 1000}
	if err := db.EnqueueOutbox(m, 1000); err != nil {
		t.Fatal(err)
	}
	if err := db.EnqueueOutbox(m, 2000); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d entries, want 1 (dedupe by message id)", len(pending))
	}

	stored, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.DeliveryState != StatePending {
		t.Errorf("state = %q, want pending", stored.DeliveryState)
	}
}

func TestClaimDueOrdering(t *testing.T) {
	db := testDB(t)

	for _, e := range []struct {
		id  string
		due int64
	}{
		{"late", 3000}, {"early", 1000}, {"mid", 2000}, {"future", 99999},
	} {
		m := &Message{ID: e.id, ConversationID: "c1", CreatedAt: 1}
		if err := db.EnqueueOutbox(m, e.due); err != nil {
			t.Fatal(err)
		}
	}

	due, err := db.ClaimDue(5000, 10)
	if err != nil {
		t.Fatal(err)
	}
	wantIDs := []string{"early", "mid", "late"}
	if len(due) != len(wantIDs) {
		t.Fatalf("got %d due, want %d", len(due), len(wantIDs))
	}
	for i, id := range wantIDs {
		if due[i].MessageID != id {
			t.Errorf("position %d = %s, want %s", i, due[i].MessageID, id)
		}
	}

	// Claimed entries are not returned again until released.
	again, err := db.ClaimDue(5000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Errorf("got %d due after claim, want 0", len(again))
	}
}

func TestPromoteSentRemovesEntry(t *testing.T) {
	db := testDB(t)

	m := &Message{ID: "m1", ConversationID: "c1", Body: "hi", CreatedAt: 1000}
	if err := db.EnqueueOutbox(m, 1000); err != nil {
		t.Fatal(err)
	}
	if err := db.PromoteSent("m1", 5); err != nil {
		t.Fatal(err)
	}

	stored, _ := db.GetMessage("m1")
	if stored.DeliveryState != StateSent || stored.Sequence != 5 {
		t.Errorf("got %s/%d, want sent/5", stored.DeliveryState, stored.Sequence)
	}
	pending, _ := db.PendingOutbox()
	if len(pending) != 0 {
		t.Errorf("got %d entries after promote, want 0", len(pending))
	}
}

func TestRecordRetryReleasesClaim(t *testing.T) {
	db := testDB(t)

	m := &Message{ID: "m1", ConversationID: "c1", CreatedAt: 1}
	if err := db.EnqueueOutbox(m, 1000); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ClaimDue(2000, 10); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordRetry("m1", "network error", 3000); err != nil {
		t.Fatal(err)
	}

	due, err := db.ClaimDue(3000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("got %d due, want 1 (claim released)", len(due))
	}
	if due[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", due[0].Attempts)
	}
	if due[0].LastError != "network error" {
		t.Errorf("last_error = %q, want network error", due[0].LastError)
	}
}

func TestFailTerminal(t *testing.T) {
	db := testDB(t)

	m := &Message{ID: "m1", ConversationID: "c1", CreatedAt: 1}
	if err := db.EnqueueOutbox(m, 1000); err != nil {
		t.Fatal(err)
	}
	if err := db.FailTerminal("m1"); err != nil {
		t.Fatal(err)
	}

	stored, _ := db.GetMessage("m1")
	if stored.DeliveryState != StateFailed {
		t.Errorf("state = %q, want failed", stored.DeliveryState)
	}
	pending, _ := db.PendingOutbox()
	if len(pending) != 0 {
		t.Errorf("got %d entries, want 0", len(pending))
	}
}

func TestRequeueStaleClaims(t *testing.T) {
	db := testDB(t)

	m := &Message{ID: "m1", ConversationID: "c1", CreatedAt: 1}
	if err := db.EnqueueOutbox(m, 1000); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ClaimDue(2000, 10); err != nil {
		t.Fatal(err)
	}

	n, err := db.RequeueStaleClaims(time.Now().UnixMilli() + 1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("requeued = %d, want 1", n)
	}

	due, _ := db.ClaimDue(2000, 10)
	if len(due) != 1 {
		t.Errorf("got %d due after requeue, want 1", len(due))
	}
}

func TestAdvanceWatermarkMonotonic(t *testing.T) {
	db := testDB(t)

	if err := AdvanceWatermark(db.DB, "c1", "tok-1", 10); err != nil {
		t.Fatal(err)
	}
	// A lower sequence never winds the watermark back.
	if err := AdvanceWatermark(db.DB, "c1", "tok-2", 4); err != nil {
		t.Fatal(err)
	}

	conv, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.LastSyncedSequence != 10 {
		t.Errorf("last_synced_sequence = %d, want 10", conv.LastSyncedSequence)
	}
	if conv.WatermarkToken != "tok-2" {
		t.Errorf("watermark_token = %q, want tok-2", conv.WatermarkToken)
	}

	// An empty token keeps the stored one.
	if err := AdvanceWatermark(db.DB, "c1", "", 12); err != nil {
		t.Fatal(err)
	}
	conv, _ = db.GetConversation("c1")
	if conv.WatermarkToken != "tok-2" || conv.LastSyncedSequence != 12 {
		t.Errorf("got %q/%d, want tok-2/12", conv.WatermarkToken, conv.LastSyncedSequence)
	}
}

func TestConversationUpsertAndList(t *testing.T) {
	db := testDB(t)

	c := &Conversation{ID: "c1", ParticipantIDs: []string{"alice", "bob"}}
	if err := db.UpsertConversation(c); err != nil {
		t.Fatal(err)
	}
	c.ParticipantIDs = append(c.ParticipantIDs, "carol")
	if err := db.UpsertConversation(c); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.ParticipantIDs) != 3 {
		t.Errorf("participants = %v, want 3 entries", got.ParticipantIDs)
	}

	ids, err := db.ListConversationIDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "c1" {
		t.Errorf("ids = %v, want [c1]", ids)
	}

	missing, err := db.GetConversation("nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for missing conversation")
	}
}

func TestApplyRemoteReplacesUnreadableRow(t *testing.T) {
	db := testDB(t)

	m := &Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Body: "hi", CreatedAt: 1000}
	if err := db.Append(m); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`UPDATE messages SET delivery_state = 'bogus' WHERE id = 'm1'`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetMessage("m1"); !errs.IsCorruptState(err) {
		t.Fatalf("expected corrupt state error, got %v", err)
	}

	// The remote log's copy overwrites the unreadable row.
	echo := Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Body: "hi", CreatedAt: 1000, Sequence: 5, DeliveryState: StateSent}
	res, err := ApplyRemote(db.DB, &echo)
	if err != nil {
		t.Fatalf("apply over corrupt row: %v", err)
	}
	if !res.StateChanged || !res.SequenceSet {
		t.Errorf("result = %+v, want state and sequence replaced", res)
	}

	got, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.DeliveryState != StateSent || got.Sequence != 5 {
		t.Errorf("healed row = %+v", got)
	}
}

func TestReleaseClaim(t *testing.T) {
	db := testDB(t)

	m := &Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Body: "hi", CreatedAt: 1000}
	if err := db.EnqueueOutbox(m, 1000); err != nil {
		t.Fatal(err)
	}
	claimed, err := db.ClaimDue(2000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d entries, want 1", len(claimed))
	}

	if err := db.ReleaseClaim("m1"); err != nil {
		t.Fatal(err)
	}
	// Released without counting an attempt: claimable again immediately.
	again, err := db.ClaimDue(2000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 1 || again[0].Attempts != 0 {
		t.Fatalf("after release: %+v, want one entry with 0 attempts", again)
	}
}

func TestEnqueueOutboxResubmitsFailed(t *testing.T) {
	db := testDB(t)

	m := &Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Body: "hi", CreatedAt: 1000}
	if err := db.EnqueueOutbox(m, 1000); err != nil {
		t.Fatal(err)
	}
	if err := db.FailTerminal("m1"); err != nil {
		t.Fatal(err)
	}

	// Same id, fresh attempt: the failed message moves back to pending.
	if err := db.EnqueueOutbox(m, 2000); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.DeliveryState != StatePending {
		t.Errorf("state = %q, want pending after resubmit", got.DeliveryState)
	}
	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Attempts != 0 {
		t.Fatalf("outbox after resubmit = %+v, want one fresh entry", pending)
	}

	// The ack path works again end to end.
	if err := db.PromoteSent("m1", 9); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetMessage("m1")
	if got.DeliveryState != StateSent || got.Sequence != 9 {
		t.Errorf("promoted = %+v", got)
	}
}

func TestEnqueueOutboxLeavesSentAlone(t *testing.T) {
	db := testDB(t)

	m := &Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Body: "hi", CreatedAt: 1000}
	if err := db.EnqueueOutbox(m, 1000); err != nil {
		t.Fatal(err)
	}
	if err := db.PromoteSent("m1", 3); err != nil {
		t.Fatal(err)
	}

	if err := db.EnqueueOutbox(m, 2000); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.DeliveryState != StateSent || got.Sequence != 3 {
		t.Errorf("sent message disturbed by re-enqueue: %+v", got)
	}
}
