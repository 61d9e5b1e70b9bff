package confd

import (
	"encoding/json"
	"sync"
)

// ReplyUpcall is what a Filter delivers to user code for a reply that
// survives filtering.
type ReplyUpcall struct {
	Salt        string
	ServerReply Reply
	ServerIP    string
	ServerPort  int
	OrigRequest Request
	ExtraArgs   interface{}
}

// Filter tracks, per salt, the newest (highest serial) reply seen and
// delivers to the user callback only when a reply is strictly newer, or
// carries the same serial with different answer content (an
// inconsistency worth surfacing).
type Filter struct {
	mu       sync.Mutex
	seen     map[string]seenEntry
	callback func(ReplyUpcall)
}

type seenEntry struct {
	serial  int64
	answer  string // canonicalized JSON, for content comparison
}

// NewFilter builds a Filter delivering surviving replies to callback.
func NewFilter(callback func(ReplyUpcall)) *Filter {
	return &Filter{seen: make(map[string]seenEntry), callback: callback}
}

// Accept runs one reply through the filter. It returns true if the
// reply was delivered to the callback (for tests), false if suppressed.
func (f *Filter) Accept(up ReplyUpcall) bool {
	answerJSON, err := json.Marshal(up.ServerReply.Answer)
	if err != nil {
		answerJSON = []byte("null")
	}

	f.mu.Lock()
	prev, ok := f.seen[up.Salt]
	deliver := false
	switch {
	case !ok:
		deliver = true
	case up.ServerReply.Serial > prev.serial:
		deliver = true
	case up.ServerReply.Serial == prev.serial && string(answerJSON) != prev.answer:
		deliver = true
	default:
		deliver = false
	}
	if deliver {
		f.seen[up.Salt] = seenEntry{serial: up.ServerReply.Serial, answer: string(answerJSON)}
	}
	f.mu.Unlock()

	if deliver && f.callback != nil {
		f.callback(up)
	}
	return deliver
}

// Reset drops all remembered state for salt, e.g. once its request has
// expired and is no longer of interest.
func (f *Filter) Reset(salt string) {
	f.mu.Lock()
	delete(f.seen, salt)
	f.mu.Unlock()
}
