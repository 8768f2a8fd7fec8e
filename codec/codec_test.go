package codec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONEnvelopeRoundTrip(t *testing.T) {
	c := NewJSON()

	inv := Invocation{
		Args:    []any{"World", float64(3)},
		Kwargs:  map[string]any{"greeting": "Hello", "count": float64(2)},
		Context: map[string]string{"trace_id": "abc"},
	}
	data, err := c.EncodeEnvelope("greet", inv)
	require.NoError(t, err)

	handler, decoded, err := c.DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, "greet", handler)
	assert.Equal(t, inv.Args, decoded.Args)
	assert.Equal(t, inv.Kwargs, decoded.Kwargs)
	assert.Equal(t, inv.Context, decoded.Context)
}

func TestJSONEnvelopeEmptyInvocation(t *testing.T) {
	c := NewJSON()

	data, err := c.EncodeEnvelope("noop", Invocation{})
	require.NoError(t, err)

	handler, decoded, err := c.DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, "noop", handler)
	assert.Empty(t, decoded.Args)
	assert.Empty(t, decoded.Kwargs)
	assert.Empty(t, decoded.Context)
}

func TestJSONEnvelopeErrors(t *testing.T) {
	c := NewJSON()

	_, err := c.EncodeEnvelope("", Invocation{})
	assertCodecError(t, err)

	_, _, err = c.DecodeEnvelope(nil)
	assertCodecError(t, err)

	_, _, err = c.DecodeEnvelope([]byte("{not json"))
	assertCodecError(t, err)

	// Valid JSON, wrong shape.
	_, _, err = c.DecodeEnvelope([]byte(`{"args": [1]}`))
	assertCodecError(t, err)

	_, _, err = c.DecodeEnvelope([]byte(`{"handler": "x", "bogus": true}`))
	assertCodecError(t, err)
}

func TestJSONValueRoundTrip(t *testing.T) {
	c := NewJSON()

	tests := []struct {
		name  string
		value any
	}{
		{"string", "Greetings, World!"},
		{"number", float64(42)},
		{"bool", true},
		{"nil", nil},
		{"slice", []any{"a", float64(1)}},
		{"map", map[string]any{"k": "v"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := c.EncodeValue(tt.value)
			require.NoError(t, err)

			decoded, err := c.DecodeValue(data)
			require.NoError(t, err)
			assert.Equal(t, tt.value, decoded)
		})
	}
}

func TestJSONValueErrors(t *testing.T) {
	c := NewJSON()

	_, err := c.EncodeValue(func() {})
	assertCodecError(t, err)

	_, err = c.DecodeValue(nil)
	assertCodecError(t, err)

	_, err = c.DecodeValue([]byte("{{"))
	assertCodecError(t, err)
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	fn := func(ctx context.Context, inv Invocation) (any, error) { return nil, nil }

	require.NoError(t, r.Register("greet", fn))

	got, ok := r.Lookup("greet")
	assert.True(t, ok)
	assert.NotNil(t, got)

	_, ok = r.Lookup("missing")
	assert.False(t, ok)

	assert.ElementsMatch(t, []string{"greet"}, r.Names())
}

func TestRegistryRejectsBadRegistrations(t *testing.T) {
	r := NewRegistry()
	fn := func(ctx context.Context, inv Invocation) (any, error) { return nil, nil }

	assert.Error(t, r.Register("", fn))
	assert.Error(t, r.Register("x", nil))

	require.NoError(t, r.Register("x", fn))
	assert.Error(t, r.Register("x", fn), "duplicate names must be rejected")

	assert.Panics(t, func() { r.MustRegister("x", fn) })
}

func assertCodecError(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	var codecErr *Error
	require.ErrorAs(t, err, &codecErr)
}
