package ledger

import (
	"maps"
	"slices"
	"time"

	"github.com/solatis/tollgate/internal/types"
)

// Identity is the canonical acknowledgment key.
type Identity struct {
	AckKey     string
	TemplateID types.TemplateID
}

// Snapshot indexes a session's acknowledgments for reconciliation.
//
// Records from the ledger match on the exact (ack_key, template_id) pair.
// Records taken from a caller's context may omit the template id; those
// match any template for their ack_key.
type Snapshot struct {
	exact    map[Identity]types.AcknowledgmentRecord
	wildcard map[string]types.AcknowledgmentRecord
}

// NewSnapshot indexes ledger records.
func NewSnapshot(records []types.AcknowledgmentRecord) *Snapshot {
	s := &Snapshot{
		exact:    make(map[Identity]types.AcknowledgmentRecord, len(records)),
		wildcard: make(map[string]types.AcknowledgmentRecord),
	}
	for _, r := range records {
		s.exact[Identity{r.AckKey, r.TemplateID}] = r
	}
	return s
}

// Merge adds context-supplied records. A ledger record with the same
// identity wins, because it carries the server-side timestamp.
func (s *Snapshot) Merge(records []ContextAck) {
	for _, r := range records {
		if !r.HasTemplate {
			if _, ok := s.wildcard[r.Record.AckKey]; !ok {
				s.wildcard[r.Record.AckKey] = r.Record
			}
			continue
		}
		id := Identity{r.Record.AckKey, r.Record.TemplateID}
		if _, ok := s.exact[id]; !ok {
			s.exact[id] = r.Record
		}
	}
}

// Len reports the number of indexed records.
func (s *Snapshot) Len() int {
	return len(s.exact) + len(s.wildcard)
}

// Lookup finds the record for (ackKey, templateID).
func (s *Snapshot) Lookup(ackKey string, templateID types.TemplateID) (types.AcknowledgmentRecord, bool) {
	if s == nil {
		return types.AcknowledgmentRecord{}, false
	}
	if r, ok := s.exact[Identity{ackKey, templateID}]; ok {
		return r, true
	}
	r, ok := s.wildcard[ackKey]
	return r, ok
}

// Satisfies reports whether r counts as a valid acknowledgment given the
// cart's last mutation time. A zero cartUpdatedAt means the cart's age is
// unknown and nothing is stale. A zero AcknowledgedAt comes from a caller's
// context and is taken at face value.
func Satisfies(r types.AcknowledgmentRecord, cartUpdatedAt time.Time) bool {
	if !r.Acknowledged {
		return false
	}
	if cartUpdatedAt.IsZero() || r.AcknowledgedAt.IsZero() {
		return true
	}
	return !r.AcknowledgedAt.Before(cartUpdatedAt)
}

// ContextAck is an acknowledgment decoded from an invocation context.
type ContextAck struct {
	Record      types.AcknowledgmentRecord
	HasTemplate bool
}

// FromContext decodes the acknowledgments a caller put in the context.
//
// Accepted shapes, in both camelCase and snake_case:
//
//	[{"ackKey": "k", "templateId": 3, "acknowledged": true, "acknowledged_at": "..."}]
//	{"k": true}
//	{"k": {"templateId": 3, "accepted": true}}
//
// acknowledged defaults to true when absent; "accepted" is an alias.
// Entries without an ack key are ignored.
func FromContext(v any) []ContextAck {
	var out []ContextAck
	switch acks := v.(type) {
	case []any:
		for _, item := range acks {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			key, _ := firstString(m, "ackKey", "ack_key")
			if a, ok := decodeAck(key, m); ok {
				out = append(out, a)
			}
		}
	case map[string]any:
		for _, key := range slices.Sorted(maps.Keys(acks)) {
			switch val := acks[key].(type) {
			case bool:
				out = append(out, ContextAck{Record: types.AcknowledgmentRecord{AckKey: key, Acknowledged: val}})
			case map[string]any:
				if a, ok := decodeAck(key, val); ok {
					out = append(out, a)
				}
			}
		}
	}
	return out
}

func decodeAck(key string, m map[string]any) (ContextAck, bool) {
	if key == "" {
		return ContextAck{}, false
	}
	a := ContextAck{Record: types.AcknowledgmentRecord{AckKey: key, Acknowledged: true}}
	for _, name := range []string{"templateId", "template_id"} {
		raw, present := m[name]
		if !present || raw == nil {
			continue
		}
		if id, ok := types.TemplateIDFrom(raw); ok {
			a.Record.TemplateID = id
			a.HasTemplate = true
			break
		}
	}
	for _, name := range []string{"acknowledged", "accepted"} {
		if b, ok := m[name].(bool); ok {
			a.Record.Acknowledged = b
			break
		}
	}
	if ts, ok := firstString(m, "acknowledged_at", "acknowledgedAt"); ok {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			a.Record.AcknowledgedAt = t.UTC()
		}
	}
	return a, true
}

func firstString(m map[string]any, names ...string) (string, bool) {
	for _, n := range names {
		if s, ok := m[n].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}
