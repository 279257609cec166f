// Package dm implements the client-side DM unread engine (C9): an
// in-memory, per-partner ordered log of direct messages with a read
// cursor, unread counts, and a change-event signal so UI widgets can
// re-render without polling. Modeled on the teacher's metrics package
// (internal/v1/metrics), a counters-with-events style generalized here
// from a Prometheus gauge to a plain domain object.
package dm

import (
	"sort"
	"sync"
	"time"
)

// DMMessage is one entry in a partner's conversation log.
type DMMessage struct {
	ID   int64
	From string
	To   string
	Body string
	At   time.Time
	Read bool
}

// ConversationSummary is what list_conversations returns: enough to render
// a conversation list row without walking the full message log.
type ConversationSummary struct {
	Partner      string
	UnreadCount  int
	LastMessage  string
	LastActivity time.Time
}

type conversation struct {
	messages   []DMMessage
	readCursor time.Time
}

// Engine tracks every DM conversation for the current client session. Not
// durable: spec.md §4.9 scopes DM history to the process lifetime only.
type Engine struct {
	mu            sync.Mutex
	conversations map[string]*conversation
	nextID        int64

	changeMu sync.Mutex
	changeCh chan struct{}
}

// NewEngine returns an empty Engine.
func NewEngine() *Engine {
	return &Engine{
		conversations: make(map[string]*conversation),
		changeCh:      make(chan struct{}, 1),
	}
}

// Changes returns a channel that receives a signal whenever unread counts
// change. The channel is buffered by one and coalesces bursts: callers
// should re-read state on wake rather than trust the payload.
func (e *Engine) Changes() <-chan struct{} {
	return e.changeCh
}

func (e *Engine) notifyChanged() {
	select {
	case e.changeCh <- struct{}{}:
	default:
	}
}

func (e *Engine) conversationFor(partner string) *conversation {
	c, ok := e.conversations[partner]
	if !ok {
		c = &conversation{}
		e.conversations[partner] = c
	}
	return c
}

// RecordOutgoing appends a message this client sent to partner. Senders
// never see their own messages as unread.
func (e *Engine) RecordOutgoing(partner, body string, at time.Time) DMMessage {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	msg := DMMessage{ID: e.nextID, From: "", To: partner, Body: body, At: at, Read: true}
	c := e.conversationFor(partner)
	c.messages = append(c.messages, msg)
	return msg
}

// RecordIncoming appends a DM_FROM message from partner. focused reports
// whether the UI currently has that conversation open; if so the message
// arrives already read.
func (e *Engine) RecordIncoming(partner, body string, at time.Time, focused bool) DMMessage {
	e.mu.Lock()
	e.nextID++
	msg := DMMessage{ID: e.nextID, From: partner, To: "", Body: body, At: at, Read: focused}
	c := e.conversationFor(partner)
	c.messages = append(c.messages, msg)
	e.mu.Unlock()

	e.notifyChanged()
	return msg
}

// UnreadCount returns the number of unread messages from partner.
func (e *Engine) UnreadCount(partner string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conversations[partner]
	if !ok {
		return 0
	}
	return countUnread(c.messages)
}

// TotalUnreadCount sums UnreadCount across every partner.
func (e *Engine) TotalUnreadCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, c := range e.conversations {
		total += countUnread(c.messages)
	}
	return total
}

func countUnread(messages []DMMessage) int {
	n := 0
	for _, m := range messages {
		if !m.Read {
			n++
		}
	}
	return n
}

// MarkRead marks every message in partner's log with At <= upTo as read and
// advances the conversation's read cursor. A zero upTo defaults to the
// timestamp of the latest message.
func (e *Engine) MarkRead(partner string, upTo time.Time) {
	e.mu.Lock()
	c, ok := e.conversations[partner]
	if !ok {
		e.mu.Unlock()
		return
	}
	if upTo.IsZero() {
		for _, m := range c.messages {
			if m.At.After(upTo) {
				upTo = m.At
			}
		}
	}
	changed := false
	for i := range c.messages {
		if !c.messages[i].Read && !c.messages[i].At.After(upTo) {
			c.messages[i].Read = true
			changed = true
		}
	}
	if upTo.After(c.readCursor) {
		c.readCursor = upTo
	}
	e.mu.Unlock()

	if changed {
		e.notifyChanged()
	}
}

// ListConversations returns one summary per partner, sorted with unread
// conversations first, then by most-recent activity.
func (e *Engine) ListConversations() []ConversationSummary {
	e.mu.Lock()
	defer e.mu.Unlock()

	summaries := make([]ConversationSummary, 0, len(e.conversations))
	for partner, c := range e.conversations {
		if len(c.messages) == 0 {
			continue
		}
		last := c.messages[len(c.messages)-1]
		summaries = append(summaries, ConversationSummary{
			Partner:      partner,
			UnreadCount:  countUnread(c.messages),
			LastMessage:  last.Body,
			LastActivity: last.At,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		iUnread, jUnread := summaries[i].UnreadCount > 0, summaries[j].UnreadCount > 0
		if iUnread != jUnread {
			return iUnread
		}
		return summaries[i].LastActivity.After(summaries[j].LastActivity)
	})
	return summaries
}
