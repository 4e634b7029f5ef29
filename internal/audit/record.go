package audit

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// ZeroHash seeds the chain: record 0 links back to 64 zero hex chars.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// TimestampFormat is ISO-8601 UTC with millisecond precision, used everywhere
// a record or dead-letter entry carries a time.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Timestamp renders t in the audit timestamp format.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// AlgoLabels names the algorithms that produced a record's hash and signature.
type AlgoLabels struct {
	Hash string `json:"hash"`
	Sig  string `json:"sig"`
}

// Record is one line of the audit chain. Action always carries the original
// decision: shadow mode downgrades the response, never the record.
type Record struct {
	Timestamp    string     `json:"timestamp"`
	RequestID    string     `json:"request_id"`
	AgentID      string     `json:"agent_id"`
	Endpoint     string     `json:"endpoint"`
	Direction    string     `json:"direction"`
	Action       string     `json:"action"`
	RuleIDs      []string   `json:"rule_ids"`
	TextHash     string     `json:"text_hash"`
	TextExcerpt  string     `json:"text_excerpt"`
	PreviousHash string     `json:"previous_hash"`
	RecordHash   string     `json:"record_hash"`
	AlgoLabels   AlgoLabels `json:"algo_labels"`
	Signature    string     `json:"signature,omitempty"`
}

// canonicalBytes serializes the record for hashing: keys sorted
// lexicographically, compact UTF-8, record_hash and signature excluded,
// every other field included exactly as persisted.
func canonicalBytes(r Record) ([]byte, error) {
	stripped := r
	stripped.RecordHash = ""
	stripped.Signature = ""

	raw, err := json.Marshal(stripped)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal record: %w", err)
	}
	// Drop the zeroed exclusions before canonicalization; omitempty already
	// removed signature, record_hash needs the same treatment.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("audit: reshape record: %w", err)
	}
	delete(fields, "record_hash")
	delete(fields, "signature")
	pruned, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal canonical record: %w", err)
	}

	canonical, err := jcs.Transform(pruned)
	if err != nil {
		return nil, fmt.Errorf("audit: canonicalize record: %w", err)
	}
	return canonical, nil
}

// seal computes the record hash with h and stamps the algo labels and
// optional signature.
func seal(r Record, h Hasher, s *Signer) (Record, error) {
	r.AlgoLabels = AlgoLabels{Hash: h.Name, Sig: s.Label()}
	r.RecordHash = ""
	r.Signature = ""

	canonical, err := canonicalBytes(r)
	if err != nil {
		return Record{}, err
	}
	r.RecordHash = hex.EncodeToString(h.Sum(canonical))
	if sig := s.Sign(r.RecordHash); sig != nil {
		r.Signature = hex.EncodeToString(sig)
	}
	return r, nil
}

// TextHashFor digests the original (never redacted) payload text.
func TextHashFor(text string, h Hasher) string {
	return hex.EncodeToString(h.Sum([]byte(text)))
}

// Excerpt truncates already-redacted text to the audit excerpt size.
func Excerpt(text string) string {
	const maxRunes = 200
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}
	return string(runes[:maxRunes])
}

// normalizedRuleIDs keeps rule_ids stable and non-null on the wire.
func normalizedRuleIDs(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// IsNonAllow reports whether the record describes a flag or block decision.
func (r Record) IsNonAllow() bool {
	return !strings.EqualFold(r.Action, "allow")
}
