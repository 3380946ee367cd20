// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides towerctl's standard CBOR encoding
// configuration for the control socket protocol (§6).
//
// towerctl uses JSON for its HTTP control surface and CBOR for the
// Unix-socket RPC protocol between towerctl-daemon and the towerctl
// CLI. This package gives every socket message identical,
// deterministic bytes: Core Deterministic Encoding (RFC 8949 §4.2),
// sorted map keys, smallest integer encoding, no indefinite-length
// items.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding. Same logical value always produces identical bytes.
var encMode cbor.EncMode

// decMode is the CBOR decoder configured to accept standard CBOR.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// The socket protocol's Data field decodes into map[string]any
		// for untyped payloads. CBOR's default any-typed map is
		// map[interface{}]interface{}, which is incompatible with
		// encoding/json and most Go code. Force the string-keyed form.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encoder is a CBOR stream encoder. Type alias so consumers import
// only internal/codec, not fxamacker/cbor directly.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder. Type alias so consumers import
// only internal/codec, not fxamacker/cbor directly.
type Decoder = cbor.Decoder

// RawMessage is a raw encoded CBOR value, used to defer decoding of
// the socket protocol's Data field until the caller knows its shape.
type RawMessage = cbor.RawMessage

// NewEncoder returns a CBOR encoder that writes to w using towerctl's
// standard Core Deterministic Encoding configuration.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a CBOR decoder that reads from r using
// towerctl's standard decoding configuration.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}
