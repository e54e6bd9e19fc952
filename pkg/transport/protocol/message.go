package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/HMasataka/relay/pkg/domain"
)

// InboundKind discriminates the shapes a client frame can take
type InboundKind int

const (
	InboundText InboundKind = iota + 1
	InboundFile
	InboundTextWithFile
)

func (k InboundKind) String() string {
	switch k {
	case InboundText:
		return "text"
	case InboundFile:
		return "file"
	case InboundTextWithFile:
		return "text+file"
	default:
		return "unknown"
	}
}

// FileUpload is an attachment as sent by the browser: data is a base64 data URL.
type FileUpload struct {
	Name     string `json:"name"`
	MimeType string `json:"type"`
	Data     string `json:"data"`
}

// Bytes decodes the base64 payload, accepting either a data URL or bare base64.
func (f *FileUpload) Bytes() ([]byte, error) {
	payload := f.Data
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 {
			return nil, domain.ErrInvalidMessage.WithDetails("file data url has no payload")
		}
		payload = payload[comma+1:]
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, domain.ErrInvalidMessage.WithDetails("file data is not valid base64")
	}
	return data, nil
}

// Inbound is a validated client frame. Recipient is always set, and so is at least one of Text and File.
type Inbound struct {
	Kind      InboundKind
	Recipient string
	Text      string
	File      *FileUpload
}

type inboundWire struct {
	Recipient *string     `json:"recipient"`
	Text      *string     `json:"text"`
	File      *FileUpload `json:"file"`
}

// DecodeInbound parses and validates a client frame. Any malformed shape yields an
// error matching domain.ErrInvalidMessage. Client supplied sender fields are ignored.
func DecodeInbound(data []byte) (*Inbound, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, domain.ErrInvalidMessage.WithDetails("frame must be a JSON object")
	}

	var wire inboundWire
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return nil, domain.ErrInvalidMessage.WithDetails(err.Error())
	}

	if wire.Recipient == nil || strings.TrimSpace(*wire.Recipient) == "" {
		return nil, domain.ErrInvalidMessage.WithDetails("recipient is required")
	}

	in := &Inbound{Recipient: *wire.Recipient}
	if wire.Text != nil {
		in.Text = *wire.Text
	}

	if wire.File != nil {
		if wire.File.Name == "" {
			return nil, domain.ErrInvalidMessage.WithDetails("file name is required")
		}
		if wire.File.Data == "" {
			return nil, domain.ErrInvalidMessage.WithDetails("file data is required")
		}
		in.File = wire.File
	}

	switch {
	case in.Text != "" && in.File != nil:
		in.Kind = InboundTextWithFile
	case in.File != nil:
		in.Kind = InboundFile
	case in.Text != "":
		in.Kind = InboundText
	default:
		return nil, domain.ErrInvalidMessage.WithDetails("text or file is required")
	}

	return in, nil
}

// PresenceFrame carries the full online roster
type PresenceFrame struct {
	Online []domain.Identity `json:"online"`
}

// DeliveryFrame is a message pushed to a recipient's connection
type DeliveryFrame struct {
	Text      string  `json:"text,omitempty"`
	Sender    string  `json:"sender"`
	Recipient string  `json:"recipient"`
	File      *string `json:"file"`
	Type      *string `json:"type"`
	ID        string  `json:"id"`
}

// ErrorFrame reports a failure to the originating client only
type ErrorFrame struct {
	Error string `json:"error"`
}

// EncodePresence encodes the roster. A nil roster is sent as an empty list.
func EncodePresence(online []domain.Identity) ([]byte, error) {
	if online == nil {
		online = []domain.Identity{}
	}
	return json.Marshal(PresenceFrame{Online: online})
}

// NewDeliveryFrame builds the payload for a stored message
func NewDeliveryFrame(id string, msg domain.NewMessage) DeliveryFrame {
	frame := DeliveryFrame{
		Text:      msg.Text,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		ID:        id,
	}
	if msg.FileRef != "" {
		file := msg.FileRef
		frame.File = &file
	}
	if msg.FileKind != "" {
		kind := msg.FileKind
		frame.Type = &kind
	}
	return frame
}

// EncodeDelivery encodes a delivery frame
func EncodeDelivery(frame DeliveryFrame) ([]byte, error) {
	return json.Marshal(frame)
}

// EncodeError encodes an error frame
func EncodeError(message string) ([]byte, error) {
	return json.Marshal(ErrorFrame{Error: message})
}
