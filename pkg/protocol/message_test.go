package protocol_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/omochice/docmux/pkg/protocol"
)

func TestClientMessage_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  protocol.ClientMessage
	}{
		{name: "auth", msg: protocol.Auth{Token: "eyJhbGciOi.payload.sig"}},
		{name: "auth with empty token", msg: protocol.Auth{}},
		{name: "subscribe", msg: protocol.Subscribe{Token: "doc:1"}},
		{name: "unsubscribe", msg: protocol.Unsubscribe{Token: "doc:1"}},
		{name: "data", msg: protocol.Data{Token: "doc:1", Payload: []byte{0, 1, 2, 255}}},
		{name: "data without payload", msg: protocol.Data{Token: "doc:2", Payload: []byte{}}},
		{name: "unicode token", msg: protocol.Subscribe{Token: "ドキュメント/1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := protocol.EncodeClient(tt.msg)
			if err != nil {
				t.Fatalf("EncodeClient() error = %v", err)
			}
			got, err := protocol.DecodeClient(data)
			if err != nil {
				t.Fatalf("DecodeClient() error = %v", err)
			}
			assert.Equal(t, got, tt.msg)
		})
	}
}

func TestServerMessage_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  protocol.ServerMessage
	}{
		{name: "auth accept", msg: protocol.AuthAccept{}},
		{name: "subscribe accept", msg: protocol.SubscribeAccept{Token: "doc:1"}},
		{name: "unsubscribe accept", msg: protocol.UnsubscribeAccept{Token: "doc:1"}},
		{name: "push", msg: protocol.Push{Token: "doc:1", Payload: []byte("update")}},
		{name: "push without payload", msg: protocol.Push{Token: "doc:1", Payload: []byte{}}},
		{name: "auth error", msg: protocol.Error{Code: protocol.AuthExpired, Body: "token expired"}},
		{name: "channel error", msg: protocol.Error{Code: protocol.ChannelForbidden, Body: "doc:1,forbidden"}},
		{name: "error without body", msg: protocol.Error{Code: protocol.ChannelServerError}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := protocol.EncodeServer(tt.msg)
			if err != nil {
				t.Fatalf("EncodeServer() error = %v", err)
			}
			got, err := protocol.DecodeServer(data)
			if err != nil {
				t.Fatalf("DecodeServer() error = %v", err)
			}
			assert.Equal(t, got, tt.msg)
		})
	}
}

func TestEncode_Layout(t *testing.T) {
	tests := []struct {
		name string
		enc  func() ([]byte, error)
		want []byte
	}{
		{
			name: "auth",
			enc:  func() ([]byte, error) { return protocol.EncodeClient(protocol.Auth{Token: "abc"}) },
			want: []byte{0, 'a', 'b', 'c'},
		},
		{
			name: "subscribe",
			enc:  func() ([]byte, error) { return protocol.EncodeClient(protocol.Subscribe{Token: "d1"}) },
			want: []byte{1, 0, 'd', '1'},
		},
		{
			name: "unsubscribe",
			enc:  func() ([]byte, error) { return protocol.EncodeClient(protocol.Unsubscribe{Token: "d1"}) },
			want: []byte{1, 1, 'd', '1'},
		},
		{
			name: "data",
			enc: func() ([]byte, error) {
				return protocol.EncodeClient(protocol.Data{Token: "d1", Payload: []byte{9, 8}})
			},
			want: []byte{1, 2, 0, 2, 'd', '1', 9, 8},
		},
		{
			name: "auth accept",
			enc:  func() ([]byte, error) { return protocol.EncodeServer(protocol.AuthAccept{}) },
			want: []byte{0},
		},
		{
			name: "push",
			enc: func() ([]byte, error) {
				return protocol.EncodeServer(protocol.Push{Token: "d1", Payload: []byte{7}})
			},
			want: []byte{1, 2, 0, 2, 'd', '1', 7},
		},
		{
			name: "error",
			enc: func() ([]byte, error) {
				return protocol.EncodeServer(protocol.Error{Code: protocol.ChannelForbidden, Body: "d1"})
			},
			want: []byte{2, 0x11, 0x31, 'd', '1'},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.enc()
			if err != nil {
				t.Fatalf("encode error = %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("encoded = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEncode_Errors(t *testing.T) {
	tests := []struct {
		name string
		enc  func() ([]byte, error)
		want error
	}{
		{
			name: "nil client message",
			enc:  func() ([]byte, error) { return protocol.EncodeClient(nil) },
			want: protocol.ErrNilMessage,
		},
		{
			name: "nil server message",
			enc:  func() ([]byte, error) { return protocol.EncodeServer(nil) },
			want: protocol.ErrNilMessage,
		},
		{
			name: "empty subscribe token",
			enc:  func() ([]byte, error) { return protocol.EncodeClient(protocol.Subscribe{}) },
			want: protocol.ErrEmptyToken,
		},
		{
			name: "token too long",
			enc: func() ([]byte, error) {
				return protocol.EncodeClient(protocol.Data{Token: strings.Repeat("x", protocol.MaxTokenLength+1)})
			},
			want: protocol.ErrTokenTooLong,
		},
		{
			name: "invalid utf-8 auth token",
			enc:  func() ([]byte, error) { return protocol.EncodeClient(protocol.Auth{Token: "tok\xff"}) },
			want: protocol.ErrInvalidUTF8,
		},
		{
			name: "invalid utf-8 subscribe token",
			enc:  func() ([]byte, error) { return protocol.EncodeClient(protocol.Subscribe{Token: "doc:\xff"}) },
			want: protocol.ErrInvalidUTF8,
		},
		{
			name: "invalid utf-8 data token",
			enc: func() ([]byte, error) {
				return protocol.EncodeClient(protocol.Data{Token: "doc:\xff", Payload: []byte{1}})
			},
			want: protocol.ErrInvalidUTF8,
		},
		{
			name: "invalid utf-8 unsubscribe accept token",
			enc:  func() ([]byte, error) { return protocol.EncodeServer(protocol.UnsubscribeAccept{Token: "doc:\xff"}) },
			want: protocol.ErrInvalidUTF8,
		},
		{
			name: "invalid utf-8 error body",
			enc: func() ([]byte, error) {
				return protocol.EncodeServer(protocol.Error{Code: protocol.ChannelForbidden, Body: "doc:\xff,forbidden"})
			},
			want: protocol.ErrInvalidUTF8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.enc()
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDecode_EmptyPayload(t *testing.T) {
	data, err := protocol.EncodeClient(protocol.Data{Token: "doc:1"})
	if err != nil {
		t.Fatalf("EncodeClient() error = %v", err)
	}
	got, err := protocol.DecodeClient(data)
	if err != nil {
		t.Fatalf("DecodeClient() error = %v", err)
	}
	payload := got.(protocol.Data).Payload
	if payload == nil || len(payload) != 0 {
		t.Errorf("Payload = %#v, want an empty non-nil slice", payload)
	}
}

func TestValidToken(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  error
	}{
		{name: "ascii", token: "doc:1"},
		{name: "unicode", token: "ドキュメント/1"},
		{name: "empty", token: "", want: protocol.ErrEmptyToken},
		{name: "invalid utf-8", token: "doc:\xff", want: protocol.ErrInvalidUTF8},
		{name: "too long", token: strings.Repeat("x", protocol.MaxTokenLength+1), want: protocol.ErrTokenTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := protocol.ValidToken(tt.token); !errors.Is(err, tt.want) {
				t.Errorf("ValidToken() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDecodeServer_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty frame", data: nil},
		{name: "unknown outer type", data: []byte{7, 1, 2}},
		{name: "auth accept with body", data: []byte{0, 1}},
		{name: "missing subtype", data: []byte{1}},
		{name: "unknown subtype", data: []byte{1, 9, 'a'}},
		{name: "empty subscribe accept token", data: []byte{1, 0}},
		{name: "truncated push length", data: []byte{1, 2, 0}},
		{name: "push token exceeds frame", data: []byte{1, 2, 0, 5, 'a'}},
		{name: "truncated error code", data: []byte{2, 0}},
		{name: "invalid utf-8 token", data: []byte{1, 0, 0xff, 0xfe}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := protocol.DecodeServer(tt.data)
			if err == nil {
				t.Fatalf("DecodeServer() = %#v, want error", msg)
			}
			if !errors.Is(err, protocol.ErrMalformed) {
				t.Errorf("error %v does not match ErrMalformed", err)
			}
			var de *protocol.DecodeError
			if !errors.As(err, &de) {
				t.Errorf("error %T is not a *DecodeError", err)
			}
		})
	}
}

func TestDecodeClient_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty frame", data: []byte{}},
		{name: "error frame from client", data: []byte{2, 0, 1}},
		{name: "unknown subtype", data: []byte{1, 3, 'a'}},
		{name: "data token exceeds frame", data: []byte{1, 2, 1, 0, 'a'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := protocol.DecodeClient(tt.data); !errors.Is(err, protocol.ErrMalformed) {
				t.Errorf("DecodeClient() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, protocol.Subscribe{}.Kind().String(), "subscribe")
	assert.Equal(t, protocol.Push{}.Kind().String(), "push")
	assert.Equal(t, protocol.Kind(200).String(), "unknown")
}
