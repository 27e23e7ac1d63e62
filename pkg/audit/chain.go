// Package audit implements the tamper-evident, append-only SHA3-256 hash
// chain: a record of every state-changing core operation.
package audit

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/capassure/capcore/pkg/caperrors"
	"github.com/capassure/capcore/pkg/canonicalize"
)

// zeroDigest is the prev_digest of the first event in a chain.
var zeroDigest = make([]byte, 32)

// Event is one entry in the chain. Events are never mutated or deleted.
type Event struct {
	Timestamp  time.Time       `json:"timestamp"`
	EventType  string          `json:"event_type"`
	PrevDigest string          `json:"prev_digest"`
	Payload    json.RawMessage `json:"payload"`
	Digest     string          `json:"digest"`
}

// computeDigest implements digest = SHA3-256(prev_digest || timestamp ||
// event_type || canonical(payload)).
func computeDigest(prevDigest []byte, timestamp time.Time, eventType string, payloadCanonical []byte) [32]byte {
	h := sha3.New256()
	h.Write(prevDigest)
	h.Write([]byte(timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(eventType))
	h.Write(payloadCanonical)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Chain is an in-memory, optionally file-backed, strictly ordered hash
// chain. Appends are serialised under mu; concurrent readers of a snapshot
// are safe since events are never mutated.
type Chain struct {
	mu        sync.Mutex
	events    []Event
	tip       [32]byte
	lastStamp time.Time
	path      string
	file      *os.File

	lastVerifyFailIndex int
}

// NewChain returns an empty, purely in-memory chain.
func NewChain() *Chain {
	return &Chain{}
}

// LoadChain opens (creating if absent) a newline-delimited JSON chain file
// at path. A partially written last line is truncated and a synthetic
// chain_repaired event is appended describing the repair; any earlier
// corruption (digest or prev-link mismatch) is fatal.
func LoadChain(path string) (*Chain, error) {
	c := &Chain{path: path}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, caperrors.StorageIO("audit: cannot read chain file: %v", err)
	}

	repaired := false
	if len(data) > 0 {
		lines := splitLines(data)
		if len(lines) > 0 && !validJSONLine(lines[len(lines)-1]) {
			lines = lines[:len(lines)-1]
			repaired = true
		}
		for i, line := range lines {
			var ev Event
			if err := json.Unmarshal(line, &ev); err != nil {
				return nil, caperrors.StorageCorruption("audit: line %d: %v", i, err)
			}
			c.events = append(c.events, ev)
		}
		if err := c.verifyLocked(); err != nil {
			return nil, err
		}
		if len(c.events) > 0 {
			last, _ := hex.DecodeString(trimHexPrefix(c.events[len(c.events)-1].Digest))
			copy(c.tip[:], last)
			c.lastStamp = c.events[len(c.events)-1].Timestamp
		}
	}

	if repaired {
		keep := bytes.LastIndexByte(bytes.TrimRight(data, "\n"), '\n') + 1
		if err := os.Truncate(path, int64(keep)); err != nil {
			return nil, caperrors.StorageIO("audit: cannot truncate damaged tail line: %v", err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, caperrors.StorageIO("audit: cannot open chain file for append: %v", err)
	}
	c.file = f

	if repaired {
		if _, err := c.Append("chain_repaired", map[string]string{"reason": "truncated tail line discarded"}); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Append adds a new event to the chain. All appends are atomic with
// respect to other appends via mu; if file-backed, the write is followed
// by an fsync before the in-memory tip advances.
func (c *Chain) Append(eventType string, payload interface{}) (*Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	canon, err := canonicalize.JCS(payload)
	if err != nil {
		return nil, caperrors.Canonicalisation("payload", "%v", err)
	}

	now := time.Now().UTC()
	// Strict monotonicity: ties broken by insertion order, never equal
	// digests for equal timestamps — nudge forward by a nanosecond if the
	// clock has not visibly advanced.
	if !c.lastStamp.IsZero() && !now.After(c.lastStamp) {
		now = c.lastStamp.Add(time.Nanosecond)
	}

	prev := zeroDigest
	if len(c.events) > 0 {
		prev = c.tip[:]
	}

	digest := computeDigest(prev, now, eventType, canon)

	ev := Event{
		Timestamp:  now,
		EventType:  eventType,
		PrevDigest: "0x" + hex.EncodeToString(prev),
		Payload:    json.RawMessage(canon),
		Digest:     "0x" + hex.EncodeToString(digest[:]),
	}

	if c.file != nil {
		line, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		if _, err := c.file.Write(append(line, '\n')); err != nil {
			return nil, caperrors.StorageIO("audit: append write failed: %v", err)
		}
		if err := c.file.Sync(); err != nil {
			return nil, caperrors.StorageIO("audit: fsync failed: %v", err)
		}
	}

	c.events = append(c.events, ev)
	c.tip = digest
	c.lastStamp = now

	return &ev, nil
}

// Tip returns the current chain tip, derived from the last appended event.
func (c *Chain) Tip() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return "0x" + hex.EncodeToString(zeroDigest)
	}
	return "0x" + hex.EncodeToString(c.tip[:])
}

// Len reports the number of events appended so far.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// VerifyResult is the outcome of recomputing and checking every link in the
// chain.
type VerifyResult struct {
	OK          bool
	FailedIndex int
	FailedField string
	Detail      string
}

// Verify recomputes every digest in the chain and fails with the event
// index and field at the first mismatch.
func (c *Chain) Verify() VerifyResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.verifyLocked(); err != nil {
		capErr, _ := err.(*caperrors.Error)
		detail := err.Error()
		field := ""
		if capErr != nil {
			field = capErr.Field
		}
		return VerifyResult{OK: false, FailedIndex: c.lastVerifyFailIndex, FailedField: field, Detail: detail}
	}
	return VerifyResult{OK: true}
}

func (c *Chain) verifyLocked() error {
	prev := zeroDigest
	for i, ev := range c.events {
		wantPrev := "0x" + hex.EncodeToString(prev)
		if ev.PrevDigest != wantPrev {
			c.lastVerifyFailIndex = i
			return caperrors.StorageCorruption("audit: event %d: prev_digest mismatch", i).WithField("prev_digest")
		}
		digest := computeDigest(prev, ev.Timestamp, ev.EventType, ev.Payload)
		wantDigest := "0x" + hex.EncodeToString(digest[:])
		if ev.Digest != wantDigest {
			c.lastVerifyFailIndex = i
			return caperrors.StorageCorruption("audit: event %d: digest mismatch", i).WithField("digest")
		}
		prev = digest[:]
	}
	return nil
}

// ExportFilter narrows Export to a time range and/or policy id embedded in
// event payloads.
type ExportFilter struct {
	Start    *time.Time
	End      *time.Time
	PolicyID string
}

// Export returns an ordered snapshot of events matching filter.
func (c *Chain) Export(filter ExportFilter) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, 0, len(c.events))
	for _, ev := range c.events {
		if filter.Start != nil && ev.Timestamp.Before(*filter.Start) {
			continue
		}
		if filter.End != nil && ev.Timestamp.After(*filter.End) {
			continue
		}
		if filter.PolicyID != "" {
			var probe struct {
				PolicyID string `json:"policy_id"`
			}
			if err := json.Unmarshal(ev.Payload, &probe); err != nil || probe.PolicyID != filter.PolicyID {
				continue
			}
		}
		out = append(out, ev)
	}
	return out
}

// Close releases the backing file handle, if any.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file != nil {
		return c.file.Close()
	}
	return nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

func validJSONLine(line []byte) bool {
	var v interface{}
	return json.Unmarshal(line, &v) == nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
