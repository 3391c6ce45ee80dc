package beseda

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Message is a single protocol envelope exchanged between a client and the server.
//
// Which fields are populated depends on the direction and the channel:
//   - Requests always carry Channel, ClientID and ID.
//   - Publications carry Data.
//   - Subscribe and unsubscribe requests carry Subscription.
//   - Responses carry Successful and, on failure, Error.
type Message struct {
	// Channel is the channel name the message is addressed to.
	Channel string `json:"channel,omitempty"`
	// ClientID identifies the session of the sender. It is chosen by the client on connect.
	ClientID string `json:"clientId,omitempty"`
	// ID correlates a response with the request that caused it.
	ID string `json:"id,omitempty"`
	// Data is the opaque application payload of a publication.
	Data json.RawMessage `json:"data,omitempty"`
	// Subscription lists the channel names of a subscribe or unsubscribe request.
	Subscription ChannelList `json:"subscription,omitempty"`
	// Successful reports the outcome of a request. Only set on responses.
	Successful *bool `json:"successful,omitempty"`
	// Error is a human-readable reason for a failed request.
	Error string `json:"error,omitempty"`

	// invalid holds the decoding error of an inbound envelope whose addressing fields
	// could still be read.
	invalid error
}

// envelopeHeader holds the fields needed to answer an envelope that failed to decode.
type envelopeHeader struct {
	Channel  string `json:"channel"`
	ClientID string `json:"clientId"`
	ID       string `json:"id"`
}

// ChannelList is an ordered list of channel names. On the wire it is either a single
// string or an array of strings.
type ChannelList []string

const (
	// MetaChannelPrefix is the reserved namespace of protocol control channels.
	MetaChannelPrefix = "/meta/"
	// ServiceChannelPrefix is reserved for service channels, which are not supported.
	ServiceChannelPrefix = "/service/"

	// MetaConnect is the channel of connection requests.
	MetaConnect = "/meta/connect"
	// MetaSubscribe is the channel of subscription requests.
	MetaSubscribe = "/meta/subscribe"
	// MetaUnsubscribe is the channel of unsubscription requests.
	MetaUnsubscribe = "/meta/unsubscribe"
	// MetaError is the channel used to report envelopes that could not be classified.
	MetaError = "/meta/error"

	wildcard = "*"

	errMsgMalformedBatch     = "Unsupported data (must be array of messages)"
	errMsgMissingFields      = "channel, clientId or id not present"
	errMsgMalformedMessage   = "Malformed message"
	errMsgServiceChannel     = "Service channels not supported"
	errMsgChannelPrefix      = "Channel name must start with /"
	errMsgNotConnected       = "You must send connection message before"
	errMsgWildcard           = "Wildcards not supported yet"
	errMsgMissingSubscribe   = "You must have a subscription in your subscribe message"
	errMsgMissingUnsubscribe = "You must have a subscription in your unsubscribe message"
	errMsgTimeout            = "Request timed out"
)

// ErrMalformedBatch is returned by DecodeBatch when the payload is not a JSON array of envelopes.
var ErrMalformedBatch = errors.New("malformed batch")

// DecodeBatch decodes an inbound batch. The payload must be a JSON array, anything else
// is reported as ErrMalformedBatch. An element that is not a valid envelope keeps its
// position: when its channel, clientId and id can still be read it decodes to a Message
// carrying only those, which the Router answers as malformed. Otherwise it decodes to the
// zero Message and fails the required fields check.
func DecodeBatch(raw []byte) ([]Message, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, ErrMalformedBatch
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedBatch, err)
	}

	msgs := make([]Message, len(elems))
	for i, elem := range elems {
		var msg Message
		if err := json.Unmarshal(elem, &msg); err != nil {
			var header envelopeHeader
			if json.Unmarshal(elem, &header) == nil {
				msgs[i] = Message{
					Channel:  header.Channel,
					ClientID: header.ClientID,
					ID:       header.ID,
					invalid:  err,
				}
			}
			continue
		}
		msgs[i] = msg
	}
	return msgs, nil
}

// EncodeBatch encodes msgs as a JSON array.
func EncodeBatch(msgs []Message) ([]byte, error) {
	if msgs == nil {
		msgs = []Message{}
	}
	bs, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}
	return bs, nil
}

// IsMetaChannel reports whether name belongs to the reserved /meta/ namespace.
func IsMetaChannel(name string) bool {
	return strings.HasPrefix(name, MetaChannelPrefix)
}

// IsServiceChannel reports whether name belongs to the /service/ namespace.
func IsServiceChannel(name string) bool {
	return strings.HasPrefix(name, ServiceChannelPrefix)
}

// HasWildcard reports whether name contains a wildcard segment marker.
func HasWildcard(name string) bool {
	return strings.Contains(name, wildcard)
}

// IsSuccessful reports whether the message is a response that reports success.
func (m Message) IsSuccessful() bool {
	return m.Successful != nil && *m.Successful
}

// Malformed reports whether the envelope was received but its fields failed to decode.
func (m Message) Malformed() bool {
	return m.invalid != nil
}

func (m Message) hasRequiredFields() bool {
	return m.Channel != "" && m.ClientID != "" && m.ID != ""
}

// UnmarshalJSON implements json.Unmarshaler, accepting either a single channel name or
// an array of channel names.
func (c *ChannelList) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case nil:
		*c = nil
	case string:
		*c = ChannelList{v}
	case []any:
		names := make(ChannelList, 0, len(v))
		for _, item := range v {
			name, ok := item.(string)
			if !ok {
				return fmt.Errorf("invalid channel name type: %T", item)
			}
			names = append(names, name)
		}
		*c = names
	default:
		return fmt.Errorf("invalid subscription type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler. A single channel is encoded as a bare string.
func (c ChannelList) MarshalJSON() ([]byte, error) {
	if len(c) == 1 {
		return json.Marshal(c[0])
	}
	return json.Marshal([]string(c))
}

func success() *bool {
	b := true
	return &b
}

func failure() *bool {
	b := false
	return &b
}
