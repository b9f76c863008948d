// Package protocol implements the binary wire format spoken between a docmux
// client and a relay.
//
// Every frame starts with an outer type byte. Channel frames carry a subtype
// byte followed by the channel token; data-bearing frames prefix the token with
// a big-endian uint16 length so the payload can follow it:
//
//	Auth               [0] token...
//	AuthAccept         [0]
//	Subscribe(Accept)  [1][0] token...
//	Unsubscribe(Accept)[1][1] token...
//	Data / Push        [1][2] len:uint16 token[len] payload...
//	Error              [2] code:uint16 body...
package protocol

import (
	"fmt"
)

// Subprotocol is the WebSocket sub-protocol negotiated at connect time.
const Subprotocol = "v1"

// Outer frame types.
const (
	TypeAuth    byte = 0
	TypeChannel byte = 1
	TypeError   byte = 2
)

// Channel frame subtypes. Server frames reuse the same values for the
// corresponding accept/push messages.
const (
	SubSubscribe   byte = 0
	SubUnsubscribe byte = 1
	SubData        byte = 2
)

// MaxTokenLength is the longest token a Data or Push frame can carry.
const MaxTokenLength = 0xFFFF

// Kind identifies a message variant.
type Kind uint8

const (
	KindAuth Kind = iota
	KindSubscribe
	KindUnsubscribe
	KindData
	KindAuthAccept
	KindSubscribeAccept
	KindUnsubscribeAccept
	KindPush
	KindError
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindSubscribe:
		return "subscribe"
	case KindUnsubscribe:
		return "unsubscribe"
	case KindData:
		return "data"
	case KindAuthAccept:
		return "auth_accept"
	case KindSubscribeAccept:
		return "subscribe_accept"
	case KindUnsubscribeAccept:
		return "unsubscribe_accept"
	case KindPush:
		return "push"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// ClientMessage is a frame sent from a client to the relay.
type ClientMessage interface {
	Kind() Kind
	isClientMessage()
}

// ServerMessage is a frame sent from the relay to a client.
type ServerMessage interface {
	Kind() Kind
	isServerMessage()
}

// Auth presents the client's credential. It must be the first frame on a connection.
type Auth struct {
	Token string
}

// Subscribe asks the relay to start pushing a channel.
type Subscribe struct {
	Token string
}

// Unsubscribe asks the relay to stop pushing a channel.
type Unsubscribe struct {
	Token string
}

// Data carries an opaque payload for a subscribed channel. Decoded payloads
// are never nil and share memory with the frame.
type Data struct {
	Token   string
	Payload []byte
}

// AuthAccept confirms the credential presented in Auth.
type AuthAccept struct{}

// SubscribeAccept confirms a Subscribe.
type SubscribeAccept struct {
	Token string
}

// UnsubscribeAccept confirms an Unsubscribe.
type UnsubscribeAccept struct {
	Token string
}

// Push delivers a payload published on a channel.
type Push struct {
	Token   string
	Payload []byte
}

// Error reports an auth or channel failure. For channel errors Body holds the
// offending token, optionally followed by a comma and a message.
type Error struct {
	Code ErrorCode
	Body string
}

func (Auth) Kind() Kind        { return KindAuth }
func (Subscribe) Kind() Kind   { return KindSubscribe }
func (Unsubscribe) Kind() Kind { return KindUnsubscribe }
func (Data) Kind() Kind        { return KindData }

func (AuthAccept) Kind() Kind        { return KindAuthAccept }
func (SubscribeAccept) Kind() Kind   { return KindSubscribeAccept }
func (UnsubscribeAccept) Kind() Kind { return KindUnsubscribeAccept }
func (Push) Kind() Kind              { return KindPush }
func (Error) Kind() Kind             { return KindError }

func (Auth) isClientMessage()        {}
func (Subscribe) isClientMessage()   {}
func (Unsubscribe) isClientMessage() {}
func (Data) isClientMessage()        {}

func (AuthAccept) isServerMessage()        {}
func (SubscribeAccept) isServerMessage()   {}
func (UnsubscribeAccept) isServerMessage() {}
func (Push) isServerMessage()              {}
func (Error) isServerMessage()             {}

// EncodeClient encodes a client message into a single binary frame.
func EncodeClient(m ClientMessage) ([]byte, error) {
	switch m := m.(type) {
	case Auth:
		if err := checkText(m.Token); err != nil {
			return nil, err
		}
		return append([]byte{TypeAuth}, m.Token...), nil
	case Subscribe:
		return encodeTokenFrame(SubSubscribe, m.Token)
	case Unsubscribe:
		return encodeTokenFrame(SubUnsubscribe, m.Token)
	case Data:
		return encodeDataFrame(m.Token, m.Payload)
	case nil:
		return nil, fmt.Errorf("failed to encode message: %w", ErrNilMessage)
	default:
		return nil, fmt.Errorf("failed to encode message %T: %w", m, ErrUnknownType)
	}
}

// EncodeServer encodes a server message into a single binary frame.
func EncodeServer(m ServerMessage) ([]byte, error) {
	switch m := m.(type) {
	case AuthAccept:
		return []byte{TypeAuth}, nil
	case SubscribeAccept:
		return encodeTokenFrame(SubSubscribe, m.Token)
	case UnsubscribeAccept:
		return encodeTokenFrame(SubUnsubscribe, m.Token)
	case Push:
		return encodeDataFrame(m.Token, m.Payload)
	case Error:
		if err := checkText(m.Body); err != nil {
			return nil, err
		}
		buf := make([]byte, 3, 3+len(m.Body))
		buf[0] = TypeError
		buf[1] = byte(m.Code >> 8)
		buf[2] = byte(m.Code)
		return append(buf, m.Body...), nil
	case nil:
		return nil, fmt.Errorf("failed to encode message: %w", ErrNilMessage)
	default:
		return nil, fmt.Errorf("failed to encode message %T: %w", m, ErrUnknownType)
	}
}

// DecodeClient decodes a frame produced by EncodeClient. Malformed frames
// yield a *DecodeError.
func DecodeClient(data []byte) (ClientMessage, error) {
	if len(data) == 0 {
		return nil, decodeErr(0, "empty frame")
	}
	switch data[0] {
	case TypeAuth:
		token, err := decodeString(data, 1)
		if err != nil {
			return nil, err
		}
		return Auth{Token: token}, nil
	case TypeChannel:
		sub, token, payload, err := decodeChannel(data)
		if err != nil {
			return nil, err
		}
		switch sub {
		case SubSubscribe:
			return Subscribe{Token: token}, nil
		case SubUnsubscribe:
			return Unsubscribe{Token: token}, nil
		default:
			return Data{Token: token, Payload: payload}, nil
		}
	default:
		return nil, decodeErr(0, fmt.Sprintf("unknown client frame type %d", data[0]))
	}
}

// DecodeServer decodes a frame produced by EncodeServer. Malformed frames
// yield a *DecodeError.
func DecodeServer(data []byte) (ServerMessage, error) {
	if len(data) == 0 {
		return nil, decodeErr(0, "empty frame")
	}
	switch data[0] {
	case TypeAuth:
		if len(data) != 1 {
			return nil, decodeErr(1, "unexpected auth accept body")
		}
		return AuthAccept{}, nil
	case TypeChannel:
		sub, token, payload, err := decodeChannel(data)
		if err != nil {
			return nil, err
		}
		switch sub {
		case SubSubscribe:
			return SubscribeAccept{Token: token}, nil
		case SubUnsubscribe:
			return UnsubscribeAccept{Token: token}, nil
		default:
			return Push{Token: token, Payload: payload}, nil
		}
	case TypeError:
		if len(data) < 3 {
			return nil, decodeErr(len(data), "truncated error code")
		}
		code := ErrorCode(uint16(data[1])<<8 | uint16(data[2]))
		body, err := decodeString(data, 3)
		if err != nil {
			return nil, err
		}
		return Error{Code: code, Body: body}, nil
	default:
		return nil, decodeErr(0, fmt.Sprintf("unknown server frame type %d", data[0]))
	}
}

func encodeTokenFrame(sub byte, token string) ([]byte, error) {
	if token == "" {
		return nil, fmt.Errorf("failed to encode message: %w", ErrEmptyToken)
	}
	if err := checkText(token); err != nil {
		return nil, err
	}
	buf := make([]byte, 2, 2+len(token))
	buf[0] = TypeChannel
	buf[1] = sub
	return append(buf, token...), nil
}

func encodeDataFrame(token string, payload []byte) ([]byte, error) {
	if token == "" {
		return nil, fmt.Errorf("failed to encode message: %w", ErrEmptyToken)
	}
	if len(token) > MaxTokenLength {
		return nil, fmt.Errorf("failed to encode message: %w (%d bytes)", ErrTokenTooLong, len(token))
	}
	if err := checkText(token); err != nil {
		return nil, err
	}
	buf := make([]byte, 4, 4+len(token)+len(payload))
	buf[0] = TypeChannel
	buf[1] = SubData
	buf[2] = byte(len(token) >> 8)
	buf[3] = byte(len(token))
	buf = append(buf, token...)
	return append(buf, payload...), nil
}

// decodeChannel parses the shared layout of channel frames in both directions.
func decodeChannel(data []byte) (sub byte, token string, payload []byte, err error) {
	if len(data) < 2 {
		return 0, "", nil, decodeErr(1, "missing channel subtype")
	}
	sub = data[1]
	switch sub {
	case SubSubscribe, SubUnsubscribe:
		token, err = decodeString(data, 2)
		if err != nil {
			return 0, "", nil, err
		}
	case SubData:
		if len(data) < 4 {
			return 0, "", nil, decodeErr(len(data), "truncated token length")
		}
		n := int(data[2])<<8 | int(data[3])
		if len(data) < 4+n {
			return 0, "", nil, decodeErr(len(data), fmt.Sprintf("token length %d exceeds frame", n))
		}
		token, err = decodeString(data[:4+n], 4)
		if err != nil {
			return 0, "", nil, err
		}
		payload = data[4+n:]
	default:
		return 0, "", nil, decodeErr(1, fmt.Sprintf("unknown channel subtype %d", sub))
	}
	if token == "" {
		return 0, "", nil, decodeErr(2, "empty token")
	}
	return sub, token, payload, nil
}
