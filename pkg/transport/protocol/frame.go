package protocol

import (
	"encoding/json"

	"github.com/HMasataka/relay/pkg/domain"
)

// FrameKind discriminates server frames
type FrameKind string

const (
	FramePresence FrameKind = "presence"
	FrameDelivery FrameKind = "delivery"
	FrameError    FrameKind = "error"
)

// Frame is a decoded server frame. Exactly one payload field is set, matching Kind.
type Frame struct {
	Kind     FrameKind
	Presence *PresenceFrame
	Delivery *DeliveryFrame
	Error    *ErrorFrame
}

// DecodeFrame parses a server frame, deciding its kind from the keys present.
func DecodeFrame(data []byte) (*Frame, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, domain.ErrInvalidMessage.WithDetails(err.Error())
	}

	switch {
	case probe["online"] != nil:
		var p PresenceFrame
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, domain.ErrInvalidMessage.WithDetails(err.Error())
		}
		return &Frame{Kind: FramePresence, Presence: &p}, nil

	case probe["error"] != nil:
		var e ErrorFrame
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, domain.ErrInvalidMessage.WithDetails(err.Error())
		}
		return &Frame{Kind: FrameError, Error: &e}, nil

	case probe["id"] != nil && probe["sender"] != nil:
		var d DeliveryFrame
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, domain.ErrInvalidMessage.WithDetails(err.Error())
		}
		return &Frame{Kind: FrameDelivery, Delivery: &d}, nil
	}

	return nil, domain.ErrInvalidMessage.WithDetails("unknown frame shape")
}
