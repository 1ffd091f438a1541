package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// MSA-1 acknowledgement codes, original and enhanced mode
const (
	AckAccept       = "AA"
	AckError        = "AE"
	AckReject       = "AR"
	AckCommitAccept = "CA"
	AckCommitError  = "CE"
	AckCommitReject = "CR"
)

// Ack is the MSA content of an acknowledgement
type Ack struct {
	Code      string
	ControlID string
	Text      string
}

// Accepted reports whether the receiver took the message
func (a *Ack) Accepted() bool {
	return a.Code == AckAccept || a.Code == AckCommitAccept
}

// ParseAck reads the MSA segment from an acknowledgement message
func ParseAck(raw []byte) (*Ack, error) {
	msg, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	msa := msg.Segment("MSA")
	if msa == nil {
		return nil, fmt.Errorf("%w: acknowledgement has no MSA segment", ErrMalformedMessage)
	}
	code := strings.ToUpper(strings.TrimSpace(msa.GetField(1)))
	if code == "" {
		return nil, fmt.Errorf("%w: MSA-1 is empty", ErrMalformedMessage)
	}
	return &Ack{
		Code:      code,
		ControlID: msa.GetField(2),
		Text:      msa.GetComponent(3, 1),
	}, nil
}

// NewAck builds the acknowledgement a receiver returns for incoming.
// Sender and receiver are swapped and MSA-2 references the incoming control id.
func NewAck(incoming *Message, code, text string, now time.Time) *Message {
	trigger := ""
	if _, t, ok := strings.Cut(incoming.Type, string(ComponentSeparator)); ok {
		trigger = t
	}
	version := incoming.Version
	if version == "" {
		version = DefaultVersion
	}
	controlID := "ACK" + now.Format("20060102150405.000")

	msh := NewSegment("MSH").
		SetField(3, Escape(incoming.ReceivingApp)).
		SetField(4, Escape(incoming.ReceivingFac)).
		SetField(5, Escape(incoming.SendingApp)).
		SetField(6, Escape(incoming.SendingFac)).
		SetField(7, FormatTimestamp(now)).
		SetField(9, Composite(MessageTypeACK, trigger)).
		SetField(10, controlID).
		SetField(11, ProcessingProd).
		SetField(12, version)

	msa := NewSegment("MSA").
		SetField(1, code).
		SetField(2, Escape(incoming.ControlID)).
		SetField(3, Escape(text))

	return &Message{
		Type:         Composite(MessageTypeACK, trigger),
		ControlID:    controlID,
		Version:      version,
		Timestamp:    now,
		SendingApp:   incoming.ReceivingApp,
		SendingFac:   incoming.ReceivingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
		Segments:     []*Segment{msh, msa},
	}
}
