package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	// ErrMalformed is matched by every *DecodeError.
	ErrMalformed    = errors.New("protocol: malformed frame")
	ErrUnknownType  = errors.New("protocol: unknown message type")
	ErrNilMessage   = errors.New("protocol: nil message")
	ErrEmptyToken   = errors.New("protocol: empty channel token")
	ErrTokenTooLong = errors.New("protocol: channel token too long")
	ErrInvalidUTF8  = errors.New("protocol: text is not valid utf-8")
)

// ErrorCode is carried by Error frames. Auth and channel codes live in
// disjoint ranges so the family is known from the code alone.
type ErrorCode uint16

const (
	AuthInvalid   ErrorCode = 4001
	AuthExpired   ErrorCode = 4002
	AuthBadFormat ErrorCode = 4003

	ChannelForbidden   ErrorCode = 4401
	ChannelServerError ErrorCode = 4500
)

// IsAuth reports whether the code belongs to the auth family.
func (c ErrorCode) IsAuth() bool {
	return c >= 4000 && c < 4100
}

// IsChannel reports whether the code belongs to the channel family.
func (c ErrorCode) IsChannel() bool {
	return c >= 4400 && c < 4600
}

// String returns the string representation of ErrorCode
func (c ErrorCode) String() string {
	switch c {
	case AuthInvalid:
		return "AuthInvalid"
	case AuthExpired:
		return "AuthExpired"
	case AuthBadFormat:
		return "AuthBadFormat"
	case ChannelForbidden:
		return "ChannelForbidden"
	case ChannelServerError:
		return "ChannelServerError"
	default:
		return fmt.Sprintf("ErrorCode(%d)", uint16(c))
	}
}

// DecodeError describes why a frame could not be decoded. Receivers drop the
// frame and keep the connection.
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: malformed frame at byte %d: %s", e.Offset, e.Reason)
}

// Is makes errors.Is(err, ErrMalformed) hold.
func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformed
}

func decodeErr(offset int, reason string) error {
	return &DecodeError{Offset: offset, Reason: reason}
}

func checkText(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("failed to encode message: %w", ErrInvalidUTF8)
	}
	return nil
}

// ValidToken reports whether token can be carried by every channel frame.
func ValidToken(token string) error {
	if token == "" {
		return ErrEmptyToken
	}
	if len(token) > MaxTokenLength {
		return ErrTokenTooLong
	}
	if !utf8.ValidString(token) {
		return ErrInvalidUTF8
	}
	return nil
}

func decodeString(data []byte, off int) (string, error) {
	b := data[off:]
	if !utf8.Valid(b) {
		return "", decodeErr(off, "invalid utf-8")
	}
	return string(b), nil
}

// ErrorBody formats the body of a channel Error frame.
func ErrorBody(token, message string) string {
	if message == "" {
		return token
	}
	return token + "," + message
}

// ParseErrorBody splits a channel Error body into the token and the optional message.
func ParseErrorBody(body string) (token, message string) {
	token, message, _ = strings.Cut(body, ",")
	return token, message
}
