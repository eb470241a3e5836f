package control

import (
	"encoding/json"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// PreambleCBOR is sent as the first byte of a connection to switch it to
// CBOR. Any other first byte starts a JSON stream.
const PreambleCBOR byte = 0x01

// Encoder writes one value per call.
type Encoder interface {
	Encode(v any) error
}

// Decoder reads one value per call.
type Decoder interface {
	Decode(v any) error
}

// Codec frames requests and responses on a connection.
type Codec interface {
	Name() string
	NewEncoder(w io.Writer) Encoder
	NewDecoder(r io.Reader) Decoder
}

// JSON is the default codec.
var JSON Codec = jsonCodec{}

// CBOR is deterministic CBOR with RFC 3339 timestamps.
var CBOR Codec = cborCodec{}

type jsonCodec struct{}

func (jsonCodec) Name() string                   { return "json" }
func (jsonCodec) NewEncoder(w io.Writer) Encoder { return json.NewEncoder(w) }
func (jsonCodec) NewDecoder(r io.Reader) Decoder { return json.NewDecoder(r) }

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	if cborEnc, err = opts.EncMode(); err != nil {
		panic("control: CBOR encoder initialization failed: " + err.Error())
	}
	if cborDec, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("control: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborCodec struct{}

func (cborCodec) Name() string                   { return "cbor" }
func (cborCodec) NewEncoder(w io.Writer) Encoder { return cborEnc.NewEncoder(w) }
func (cborCodec) NewDecoder(r io.Reader) Decoder { return cborDec.NewDecoder(r) }

// CodecByName returns the codec called name, or nil.
func CodecByName(name string) Codec {
	switch name {
	case "", "json":
		return JSON
	case "cbor":
		return CBOR
	}
	return nil
}
