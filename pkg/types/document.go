package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// DocumentVersion is the snapshot format written by this module.
const DocumentVersion = 1

// Document is the durable snapshot of one session.
type Document struct {
	SessionID string        `json:"session_id"`
	Version   int           `json:"version"`
	UpdatedAt UnixTime      `json:"updated_at"`
	Memories  []*MemoryItem `json:"memories"`
}

// NewDocument builds a snapshot document stamped with the current time.
func NewDocument(sessionID string, items []*MemoryItem) *Document {
	if items == nil {
		items = []*MemoryItem{}
	}
	return &Document{
		SessionID: sessionID,
		Version:   DocumentVersion,
		UpdatedAt: UnixTime(time.Now().UTC()),
		Memories:  items,
	}
}

// Stats counts the items of the document by term.
func (d *Document) Stats() Stats {
	st := Stats{SessionID: d.SessionID, Total: len(d.Memories)}
	for _, m := range d.Memories {
		if m.Term == TermLong {
			st.LongTerm++
		} else {
			st.ShortTerm++
		}
	}
	return st
}

// EncodeDocument renders a document as indented UTF-8 JSON.
func EncodeDocument(d *Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeDocument parses a snapshot. The session id falls back to
// sessionID when the payload does not carry one.
func DecodeDocument(sessionID string, b []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, err
	}
	if d.SessionID == "" {
		d.SessionID = sessionID
	}
	if d.Version == 0 {
		d.Version = DocumentVersion
	}
	if d.Version > DocumentVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", d.Version)
	}
	if d.Memories == nil {
		d.Memories = []*MemoryItem{}
	}
	for i, m := range d.Memories {
		if m == nil {
			return nil, fmt.Errorf("memory %d is null", i)
		}
	}
	return &d, nil
}

// UnixTime is written as fractional unix seconds and read from either a
// number or an ISO-8601 string.
type UnixTime time.Time

// Time returns the value as a UTC time.Time.
func (t UnixTime) Time() time.Time { return time.Time(t).UTC() }

func (t UnixTime) MarshalJSON() ([]byte, error) {
	tt := time.Time(t)
	if tt.IsZero() {
		return []byte("null"), nil
	}
	secs := float64(tt.UnixNano()) / 1e9
	return json.Marshal(secs)
}

func (t *UnixTime) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" || raw == "" {
		*t = UnixTime{}
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		ts, err := ParseTimestamp(s)
		if err != nil {
			return err
		}
		*t = UnixTime(ts)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("invalid updated_at: %w", err)
	}
	whole, frac := math.Modf(secs)
	*t = UnixTime(time.Unix(int64(whole), int64(frac*1e9)).UTC())
	return nil
}
