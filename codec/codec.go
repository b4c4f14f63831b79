// Package codec encodes and decodes leaky-bucket samples to and from bytes,
// and ships an equivalent encoder/decoder expressed in Lua so that the
// scripted Redis backend produces byte-identical state to the optimistic
// transactional backend for the same codec.
package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/flexlimit-go/flexlimit/algorithm"
)

// Default is the codec name used when none is specified.
const Default = "struct"

// Codec encodes and decodes a Sample as a bijection. Decoding a nil or
// zero-length input yields (nil, nil): absent state, not an error.
type Codec interface {
	Encode(s algorithm.Sample) []byte
	Decode(raw []byte) (*algorithm.Sample, error)
}

// LuaSource is implemented by codecs that can express their encode/decode
// logic as Lua, for embedding in the scripted Redis backend's script
// template.
type LuaSource interface {
	// LuaEncode returns the body of a Lua function taking (timestamp,
	// value) and returning the encoded state.
	LuaEncode() string
	// LuaDecode returns the body of a Lua function taking (raw_state) and
	// returning two values, timestamp and value.
	LuaDecode() string
}

// Get looks up a codec by name. Supported names are "struct" and "json".
func Get(name string) (Codec, error) {
	switch name {
	case "struct":
		return Struct{}, nil
	case "json":
		return JSON{}, nil
	default:
		return nil, fmt.Errorf("codec: unsupported codec %q", name)
	}
}

// Struct encodes a sample as 16 bytes, little-endian, two IEEE-754 64-bit
// floats (timestamp, value) — matching struct.pack('<dd', ...) in the
// original implementation and struct.pack("<dd", ...) in Redis Lua.
type Struct struct{}

func (Struct) Encode(s algorithm.Sample) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], math.Float64bits(s.Timestamp))
	binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(s.Value))
	return buf
}

func (Struct) Decode(raw []byte) (*algorithm.Sample, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if len(raw) != 16 {
		return nil, fmt.Errorf("codec: struct state must be 16 bytes, got %d", len(raw))
	}
	t := math.Float64frombits(binary.LittleEndian.Uint64(raw[0:8]))
	v := math.Float64frombits(binary.LittleEndian.Uint64(raw[8:16]))
	return &algorithm.Sample{Timestamp: t, Value: v}, nil
}

func (Struct) LuaEncode() string {
	return `return struct.pack("<dd", timestamp, value)`
}

func (Struct) LuaDecode() string {
	return `return struct.unpack("<dd", raw_state)`
}

// JSON encodes a sample as the UTF-8 bytes of a compact object
// {"t":timestamp,"v":value}, no insignificant whitespace. Field order is
// fixed by jsonState's declaration order, matching the original's
// json.dumps(..., separators=(',', ':')).
type JSON struct{}

type jsonState struct {
	T float64 `json:"t"`
	V float64 `json:"v"`
}

func (JSON) Encode(s algorithm.Sample) []byte {
	// json.Marshal never errors on a struct of plain float64 fields.
	b, _ := json.Marshal(jsonState{T: s.Timestamp, V: s.Value})
	return b
}

func (JSON) Decode(raw []byte) (*algorithm.Sample, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var js jsonState
	if err := json.Unmarshal(raw, &js); err != nil {
		return nil, fmt.Errorf("codec: invalid json state: %w", err)
	}
	return &algorithm.Sample{Timestamp: js.T, Value: js.V}, nil
}

func (JSON) LuaEncode() string {
	return `return cjson.encode({["t"]=timestamp, ["v"]=value})`
}

func (JSON) LuaDecode() string {
	return "local decoded = cjson.decode(raw_state)\n" +
		`return decoded["t"], decoded["v"]`
}
