package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSON is the default Codec. Envelopes and values are JSON documents, so
// handler arguments and return values must be JSON-representable.
type JSON struct{}

// NewJSON returns the default JSON codec.
func NewJSON() JSON { return JSON{} }

type jsonEnvelope struct {
	Handler string            `json:"handler"`
	Args    []any             `json:"args,omitempty"`
	Kwargs  map[string]any    `json:"kwargs,omitempty"`
	Context map[string]string `json:"context,omitempty"`
}

// EncodeEnvelope serializes a handler name plus its invocation.
func (JSON) EncodeEnvelope(handler string, inv Invocation) ([]byte, error) {
	if handler == "" {
		return nil, &Error{Op: "encode envelope", Err: fmt.Errorf("handler name is required")}
	}
	data, err := json.Marshal(jsonEnvelope{
		Handler: handler,
		Args:    inv.Args,
		Kwargs:  inv.Kwargs,
		Context: inv.Context,
	})
	if err != nil {
		return nil, &Error{Op: "encode envelope", Err: err}
	}
	return data, nil
}

// DecodeEnvelope is the inverse of EncodeEnvelope. It validates shape and
// rejects corrupt or unknown payloads.
func (JSON) DecodeEnvelope(data []byte) (string, Invocation, error) {
	if len(data) == 0 {
		return "", Invocation{}, &Error{Op: "decode envelope", Err: fmt.Errorf("empty envelope")}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var env jsonEnvelope
	if err := dec.Decode(&env); err != nil {
		return "", Invocation{}, &Error{Op: "decode envelope", Err: err}
	}
	if env.Handler == "" {
		return "", Invocation{}, &Error{Op: "decode envelope", Err: fmt.Errorf("missing handler name")}
	}
	return env.Handler, Invocation{Args: env.Args, Kwargs: env.Kwargs, Context: env.Context}, nil
}

// EncodeValue serializes a handler return value. nil round-trips as JSON null.
func (JSON) EncodeValue(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &Error{Op: "encode value", Err: err}
	}
	return data, nil
}

// DecodeValue is the inverse of EncodeValue.
func (JSON) DecodeValue(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, &Error{Op: "decode value", Err: fmt.Errorf("empty value")}
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, &Error{Op: "decode value", Err: err}
	}
	return v, nil
}
