package valuecodec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses Core Deterministic Encoding (RFC 8949 §4.2) so the same
// value always produces the same bytes.
var cborEncMode cbor.EncMode

// cborDecMode decodes any-typed targets into map[string]any instead of the
// CBOR default map[interface{}]interface{}, matching what the JSON path
// produces for the same payload.
var cborDecMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	cborEncMode, err = encOptions.EncMode()
	if err != nil {
		panic("valuecodec: CBOR encoder initialization failed: " + err.Error())
	}

	cborDecMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("valuecodec: CBOR decoder initialization failed: " + err.Error())
	}
}
