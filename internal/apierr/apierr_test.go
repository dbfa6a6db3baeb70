package apierr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessageIncludesCauseOnlyWhenPresent(t *testing.T) {
	plain := New(KindNotFound, "unknown connection id")
	assert.Equal(t, "not_found: unknown connection id", plain.Error())

	wrapped := Wrap(KindUpstreamUnavailable, "dial failed", errors.New("connection refused"))
	assert.Equal(t, "upstream_unavailable: dial failed: connection refused", wrapped.Error())
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindInternal, "failed", cause)
	assert.Same(t, cause, errors.Unwrap(err))
	assert.True(t, errors.Is(err, cause))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindNotFound:            404,
		KindConflict:            409,
		KindTimeout:             408,
		KindUpstreamUnavailable: 503,
		KindBadRequest:          400,
		KindParseError:          400,
		KindInvalidRequest:      400,
		KindPolicyDenied:        403,
		KindInternal:            500,
		Kind("unmapped"):        500,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.HTTPStatus(), "kind %s", kind)
	}
}

func TestJSONRPCCodeMapping(t *testing.T) {
	cases := map[Kind]int{
		KindParseError:          -32700,
		KindInvalidRequest:      -32600,
		KindNotFound:            -32601,
		KindBadRequest:          -32602,
		KindUpstreamUnavailable: -32001,
		KindTimeout:             -32001,
		KindInternal:            -32603,
		Kind("unmapped"):        -32603,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.JSONRPCCode(), "kind %s", kind)
	}
}
