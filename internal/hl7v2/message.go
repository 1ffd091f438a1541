// Package hl7v2 provides the HL7 v2.x pipe-delimited message model, the ORM^O01
// order encoder, acknowledgement handling and an MLLP client transport.
package hl7v2

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Delimiters used by every message this package produces
const (
	FieldSeparator     = '|'
	ComponentSeparator = '^'
	RepetitionSep      = '~'
	EscapeChar         = '\\'
	SubcomponentSep    = '&'
	EncodingCharacters = `^~\&`
	SegmentTerminator  = '\r'
)

// Timestamp layouts
const (
	TimestampLayout = "20060102150405"
	DateLayout      = "20060102"
	TimeLayout      = "150405"
)

// ErrMalformedMessage is returned when raw bytes cannot be read as an HL7 message
var ErrMalformedMessage = errors.New("hl7v2: malformed message")

// Message is a parsed or built HL7 v2 message. The header fields mirror MSH.
type Message struct {
	Type         string // MSH-9
	ControlID    string // MSH-10
	Version      string // MSH-12
	Timestamp    time.Time
	SendingApp   string
	SendingFac   string
	ReceivingApp string
	ReceivingFac string
	Segments     []*Segment
}

// Segment is one segment. For MSH, Fields[0] is MSH-1 (the field separator itself).
type Segment struct {
	Name   string
	Fields []Field
}

// Field holds the raw (still escaped) value and its first-repetition components
type Field struct {
	Value      string
	Components []string
}

// NewSegment creates an empty segment
func NewSegment(name string) *Segment {
	seg := &Segment{Name: name}
	if name == "MSH" {
		seg.Fields = []Field{
			{Value: string(FieldSeparator)},
			{Value: EncodingCharacters},
		}
	}
	return seg
}

// SetField sets field index (1-based, HL7 numbering) to an already-encoded value
func (s *Segment) SetField(index int, value string) *Segment {
	idx := index - 1
	if idx < 0 {
		return s
	}
	for len(s.Fields) <= idx {
		s.Fields = append(s.Fields, Field{})
	}
	s.Fields[idx] = parseField(value)
	return s
}

// GetField returns the raw value of field index (1-based, HL7 numbering)
func (s *Segment) GetField(index int) string {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	return s.Fields[idx].Value
}

// GetComponent returns the unescaped component of a field, both 1-based
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	idx := fieldIdx - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	comps := s.Fields[idx].Components
	ci := compIdx - 1
	if ci < 0 || ci >= len(comps) {
		return ""
	}
	return Unescape(comps[ci])
}

func (s *Segment) encode() string {
	var b strings.Builder
	b.WriteString(s.Name)
	start := 0
	if s.Name == "MSH" {
		// MSH-1 is the separator written below
		start = 1
	}
	for i := start; i < len(s.Fields); i++ {
		b.WriteByte(FieldSeparator)
		b.WriteString(s.Fields[i].Value)
	}
	return strings.TrimRight(b.String(), string(FieldSeparator))
}

// Segment returns the first segment with the given name, or nil
func (m *Message) Segment(name string) *Segment {
	for _, seg := range m.Segments {
		if seg.Name == name {
			return seg
		}
	}
	return nil
}

// Bytes serializes the message with CR segment terminators
func (m *Message) Bytes() []byte {
	var b strings.Builder
	for _, seg := range m.Segments {
		b.WriteString(seg.encode())
		b.WriteByte(SegmentTerminator)
	}
	return []byte(b.String())
}

// Parse reads a message. CR, LF and CRLF are all accepted as segment terminators.
func Parse(raw []byte) (*Message, error) {
	text := strings.ReplaceAll(string(raw), "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	msg := &Message{}
	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		seg, err := parseSegment(line)
		if err != nil {
			return nil, err
		}
		msg.Segments = append(msg.Segments, seg)
	}

	if len(msg.Segments) == 0 {
		return nil, fmt.Errorf("%w: no segments", ErrMalformedMessage)
	}
	msh := msg.Segments[0]
	if msh.Name != "MSH" {
		return nil, fmt.Errorf("%w: first segment is %s, not MSH", ErrMalformedMessage, msh.Name)
	}

	msg.SendingApp = msh.GetField(3)
	msg.SendingFac = msh.GetField(4)
	msg.ReceivingApp = msh.GetField(5)
	msg.ReceivingFac = msh.GetField(6)
	if ts, err := ParseTimestamp(msh.GetField(7)); err == nil {
		msg.Timestamp = ts
	}
	msg.Type = msh.GetField(9)
	msg.ControlID = msh.GetField(10)
	msg.Version = msh.GetField(12)
	return msg, nil
}

func parseSegment(line string) (*Segment, error) {
	if len(line) < 3 {
		return nil, fmt.Errorf("%w: segment %q too short", ErrMalformedMessage, line)
	}
	seg := &Segment{Name: line[:3]}

	if seg.Name == "MSH" {
		if len(line) < 8 || line[3] != FieldSeparator {
			return nil, fmt.Errorf("%w: MSH header truncated", ErrMalformedMessage)
		}
		seg.Fields = append(seg.Fields, Field{Value: string(FieldSeparator)})
		parts := strings.Split(line[4:], string(FieldSeparator))
		// MSH-2 carries the encoding characters literally
		seg.Fields = append(seg.Fields, Field{Value: parts[0], Components: []string{parts[0]}})
		for _, p := range parts[1:] {
			seg.Fields = append(seg.Fields, parseField(p))
		}
		return seg, nil
	}

	if len(line) > 3 {
		if line[3] != FieldSeparator {
			return nil, fmt.Errorf("%w: segment %q has no field separator", ErrMalformedMessage, line[:3])
		}
		for _, p := range strings.Split(line[4:], string(FieldSeparator)) {
			seg.Fields = append(seg.Fields, parseField(p))
		}
	}
	return seg, nil
}

func parseField(raw string) Field {
	first, _, _ := strings.Cut(raw, string(RepetitionSep))
	return Field{Value: raw, Components: strings.Split(first, string(ComponentSeparator))}
}

// Escape replaces delimiter characters in free text with HL7 escape sequences
func Escape(s string) string {
	if !strings.ContainsAny(s, `|^~\&`) {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\E\`)
	s = strings.ReplaceAll(s, "|", `\F\`)
	s = strings.ReplaceAll(s, "^", `\S\`)
	s = strings.ReplaceAll(s, "~", `\R\`)
	s = strings.ReplaceAll(s, "&", `\T\`)
	return s
}

var unescaper = strings.NewReplacer(`\F\`, "|", `\S\`, "^", `\R\`, "~", `\T\`, "&", `\E\`, `\`)

// Unescape reverses Escape
func Unescape(s string) string {
	if !strings.ContainsRune(s, EscapeChar) {
		return s
	}
	return unescaper.Replace(s)
}

// Composite escapes each component and joins them with the component separator.
// Trailing empty components are dropped.
func Composite(components ...string) string {
	end := len(components)
	for end > 0 && components[end-1] == "" {
		end--
	}
	escaped := make([]string, end)
	for i := 0; i < end; i++ {
		escaped[i] = Escape(components[i])
	}
	return strings.Join(escaped, string(ComponentSeparator))
}

// FormatTimestamp renders t as an HL7 TS value, or "" for the zero time
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(TimestampLayout)
}

// FormatDate renders t as an HL7 DT value, or "" for the zero time
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

// ParseTimestamp parses an HL7 TS value of second, minute or day precision
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse(TimestampLayout, s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse(DateLayout, s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp %q", s)
	}
}
