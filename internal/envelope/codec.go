package envelope

import (
	"github.com/agent-harbor/agent-harbor/internal/aherr"
	"github.com/fxamacker/cbor/v2"
)

// Tagged is the on-the-wire shape of every union variant: a string tag
// naming the variant, plus the variant-specific payload encoded as a
// nested CBOR map. This is the Go rendering of spec §4.7's "SimpleSerialize-
// style" tagged-union encoding — CBOR already gives length-prefixed maps
// and strings, so the variant dispatch is the only piece this package adds
// on top.
type Tagged struct {
	Tag  string          `cbor:"tag"`
	Body cbor.RawMessage `cbor:"body"`
}

// EncodeTagged marshals body under tag into a Tagged wire value.
func EncodeTagged(tag string, body any) ([]byte, error) {
	raw, err := cbor.Marshal(body)
	if err != nil {
		return nil, aherr.New(aherr.InvalidArgument, "envelope.encode", tag, err)
	}
	out, err := cbor.Marshal(&Tagged{Tag: tag, Body: raw})
	if err != nil {
		return nil, aherr.New(aherr.InvalidArgument, "envelope.encode", tag, err)
	}
	return out, nil
}

// DecodeTagged unmarshals the outer Tagged envelope without touching the
// inner body, so callers can switch on Tag before choosing the concrete
// type to decode Body into.
func DecodeTagged(data []byte) (Tagged, error) {
	var t Tagged
	if err := cbor.Unmarshal(data, &t); err != nil {
		return Tagged{}, aherr.New(aherr.InvalidArgument, "envelope.decode", "", err)
	}
	return t, nil
}

// DecodeBody decodes a Tagged value's Body into dst.
func DecodeBody(t Tagged, dst any) error {
	if err := cbor.Unmarshal(t.Body, dst); err != nil {
		return aherr.New(aherr.InvalidArgument, "envelope.decode_body", t.Tag, err)
	}
	return nil
}
