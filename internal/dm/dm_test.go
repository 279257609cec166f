package dm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordOutgoingNeverCountsAsUnread(t *testing.T) {
	e := NewEngine()
	e.RecordOutgoing("bob", "hi", time.Now())
	require.Equal(t, 0, e.UnreadCount("bob"))
}

func TestRecordIncomingUnfocusedCountsAsUnread(t *testing.T) {
	e := NewEngine()
	e.RecordIncoming("bob", "hey", time.Now(), false)
	require.Equal(t, 1, e.UnreadCount("bob"))
	require.Equal(t, 1, e.TotalUnreadCount())
}

func TestRecordIncomingFocusedIsAlreadyRead(t *testing.T) {
	e := NewEngine()
	e.RecordIncoming("bob", "hey", time.Now(), true)
	require.Equal(t, 0, e.UnreadCount("bob"))
}

func TestMarkReadZeroesUnreadCount(t *testing.T) {
	e := NewEngine()
	e.RecordIncoming("bob", "one", time.Now(), false)
	e.RecordIncoming("bob", "two", time.Now(), false)
	require.Equal(t, 2, e.UnreadCount("bob"))

	e.MarkRead("bob", time.Time{})
	require.Equal(t, 0, e.UnreadCount("bob"))
}

func TestMarkReadUpToOnlyAffectsOlderMessages(t *testing.T) {
	e := NewEngine()
	t1 := time.Now()
	t2 := t1.Add(time.Minute)
	e.RecordIncoming("bob", "older", t1, false)
	e.RecordIncoming("bob", "newer", t2, false)

	e.MarkRead("bob", t1)
	require.Equal(t, 1, e.UnreadCount("bob"))
}

func TestTotalUnreadCountSumsAcrossPartners(t *testing.T) {
	e := NewEngine()
	e.RecordIncoming("bob", "hi", time.Now(), false)
	e.RecordIncoming("carol", "yo", time.Now(), false)
	require.Equal(t, 2, e.TotalUnreadCount())
}

func TestListConversationsSortsUnreadFirstThenMostRecent(t *testing.T) {
	e := NewEngine()
	base := time.Now()
	e.RecordIncoming("alice", "old but read", base, true)
	e.RecordIncoming("bob", "newer, unread", base.Add(time.Minute), false)
	e.RecordIncoming("carol", "newest, read", base.Add(2*time.Minute), true)

	list := e.ListConversations()
	require.Len(t, list, 3)
	require.Equal(t, "bob", list[0].Partner)
	require.Equal(t, "carol", list[1].Partner)
	require.Equal(t, "alice", list[2].Partner)
}

func TestChangesSignalsOnIncomingAndMarkRead(t *testing.T) {
	e := NewEngine()
	e.RecordIncoming("bob", "hi", time.Now(), false)
	select {
	case <-e.Changes():
	default:
		t.Fatal("expected a change signal after RecordIncoming")
	}

	e.MarkRead("bob", time.Time{})
	select {
	case <-e.Changes():
	default:
		t.Fatal("expected a change signal after MarkRead")
	}
}
