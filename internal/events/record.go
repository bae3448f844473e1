// Package events defines the JSON-serializable event records streamed from a
// story invocation, the non-blocking bus that fans them out, and the
// append-only journal that persists them for diagnosis.
package events

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the kind of event record.
type Kind string

const (
	// KindText is intermediate natural-language output from the worker.
	KindText Kind = "text"
	// KindToolCall is emitted when the worker starts a tool invocation.
	KindToolCall Kind = "tool_call"
	// KindToolResult is emitted when a tool invocation returns.
	KindToolResult Kind = "tool_result"
	// KindWarning records a recoverable failure (e.g. a retried attempt).
	KindWarning Kind = "warning"
	// KindState records an executor state transition.
	KindState Kind = "state"
	// KindResult carries the final summary of a story invocation.
	KindResult Kind = "result"
)

// TruncationMarker is appended to any value cut for size.
const TruncationMarker = "...[truncated]"

// verbosePayloadFields are internal worker payload keys stripped before a
// record is forwarded to a caller-facing sink. They can carry entire prompt
// histories and are never inspected downstream.
var verbosePayloadFields = map[string]bool{
	"messages":    true,
	"scratchpad":  true,
	"raw_prompt":  true,
	"raw_request": true,
}

// Record is one event from a story invocation. The executor inspects Kind,
// Tool, and Payload; everything else passes through untouched except for
// size-bounding. Extra preserves forward-compatibility with worker event
// fields this version does not know about.
type Record struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	RunID     string         `json:"run_id,omitempty"`
	StoryID   string         `json:"story_id,omitempty"`
	Step      int            `json:"step,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Text      string         `json:"text,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// New creates a record of the given kind with a fresh ID and UTC timestamp.
func New(kind Kind) Record {
	return Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
}

// IsToolCall reports whether the record is a tool invocation start. Only
// these enter the executor's loop-guard window.
func (r Record) IsToolCall() bool {
	return r.Kind == KindToolCall
}

// Signature builds a stable string from {kind, tool, canonicalized payload}
// for repeated-action detection. Two tool calls with the same tool and the
// same argument payload produce identical signatures.
func (r Record) Signature() string {
	var sb strings.Builder
	sb.WriteString(string(r.Kind))
	sb.WriteByte('|')
	sb.WriteString(r.Tool)
	sb.WriteByte('|')
	sb.WriteString(canonicalize(r.Payload))
	return sb.String()
}

// canonicalize renders a payload deterministically: keys sorted, values via
// json.Marshal with a fmt fallback for unmarshalable values.
func canonicalize(payload map[string]any) string {
	if len(payload) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		if data, err := json.Marshal(payload[k]); err == nil {
			sb.Write(data)
		} else {
			fmt.Fprintf(&sb, "%v", payload[k])
		}
	}
	sb.WriteByte('}')
	return sb.String()
}

// Sanitize returns a copy bounded for caller-facing forwarding: verbose
// internal payload fields are stripped and oversized string values are
// truncated with a marker. maxBytes <= 0 means no size bound.
func (r Record) Sanitize(maxBytes int) Record {
	out := r
	if len(r.Payload) > 0 {
		out.Payload = make(map[string]any, len(r.Payload))
		for k, v := range r.Payload {
			if verbosePayloadFields[k] {
				continue
			}
			out.Payload[k] = boundValue(v, maxBytes)
		}
	}
	if maxBytes > 0 && len(out.Text) > maxBytes {
		out.Text = out.Text[:maxBytes] + TruncationMarker
	}
	return out
}

func boundValue(v any, maxBytes int) any {
	if maxBytes <= 0 {
		return v
	}
	if s, ok := v.(string); ok && len(s) > maxBytes {
		return s[:maxBytes] + TruncationMarker
	}
	return v
}

// Marshal serializes the record to JSON, bounded to maxBytes. Serialization
// never fails from the caller's point of view: an unmarshalable record
// degrades to a stub carrying its truncated string rendering.
func (r Record) Marshal(maxBytes int) []byte {
	data, err := json.Marshal(r)
	if err != nil {
		fallback := truncate(fmt.Sprintf("%+v", r), maxBytes)
		stub := map[string]any{
			"id":        r.ID,
			"kind":      r.Kind,
			"timestamp": r.Timestamp,
			"raw":       fallback,
		}
		data, _ = json.Marshal(stub)
		return data
	}
	if maxBytes > 0 && len(data) > maxBytes {
		data, err = json.Marshal(r.Sanitize(maxBytes / 4))
		if err == nil && len(data) <= maxBytes {
			return data
		}
		stub := map[string]any{
			"id":        r.ID,
			"kind":      r.Kind,
			"timestamp": r.Timestamp,
			"raw":       truncate(fmt.Sprintf("%+v", r), maxBytes/2),
		}
		data, _ = json.Marshal(stub)
	}
	return data
}

func truncate(s string, n int) string {
	if n > 0 && len(s) > n {
		return s[:n] + TruncationMarker
	}
	return s
}
