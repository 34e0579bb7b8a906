package valuecodec

import (
	"bytes"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/atsora/cncqueue/internal/runtime/errors"
	"github.com/atsora/cncqueue/internal/runtime/jsoncodec"
)

// Format tags how Encoded.Data was produced.
type Format string

const (
	FormatNative    Format = "native"
	FormatJSON      Format = "json"
	FormatProtoJSON Format = "protojson"
	FormatCBOR      Format = "cbor"
	FormatGob       Format = "gob"
	FormatProtobuf  Format = "protobuf"
)

// Names of the native scalar kinds.
const (
	TypeInt32   = "int32"
	TypeInt16   = "int16"
	TypeInt64   = "int64"
	TypeInt     = "int"
	TypeBool    = "bool"
	TypeFloat64 = "float64"
	TypeString  = "string"
)

// BinaryCodec selects the binary fallback used for Go values whose JSON
// encoding fails.
type BinaryCodec string

const (
	// BinaryCBOR is the compact default.
	BinaryCBOR BinaryCodec = "cbor"
	// BinaryGob is the legacy object-graph codec, kept for compatibility with
	// archived data.
	BinaryGob BinaryCodec = "gob"
)

// ParseBinaryCodec validates a codec selection. An empty string selects
// BinaryCBOR.
func ParseBinaryCodec(s string) (BinaryCodec, error) {
	switch BinaryCodec(s) {
	case "", BinaryCBOR:
		return BinaryCBOR, nil
	case BinaryGob:
		return BinaryGob, nil
	default:
		return "", fmt.Errorf("%w: %q", errspkg.ErrUnsupportedValueCodec, s)
	}
}

// Encoded is the transport form of a value.
type Encoded struct {
	Type   string `json:"type"`
	Format Format `json:"format,omitempty"`
	Data   string `json:"data"`
}

// Codec encodes and decodes record values. It is safe for concurrent use.
type Codec struct {
	types  *TypeRegistry
	logger watermill.LoggerAdapter

	mu     sync.RWMutex
	binary BinaryCodec
}

// Option configures a Codec.
type Option func(*Codec)

// WithTypes sets the registry used to name and resolve structured types.
func WithTypes(types *TypeRegistry) Option {
	return func(c *Codec) {
		if types != nil {
			c.types = types
		}
	}
}

// WithBinaryCodec selects the binary fallback.
func WithBinaryCodec(codec BinaryCodec) Option {
	return func(c *Codec) {
		c.binary = codec
	}
}

// New creates a Codec. A nil logger discards decode failures.
func New(logger watermill.LoggerAdapter, opts ...Option) *Codec {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	c := &Codec{
		types:  NewTypeRegistry(),
		logger: logger,
		binary: BinaryCBOR,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Types returns the registry the codec resolves names against.
func (c *Codec) Types() *TypeRegistry {
	return c.types
}

// SetBinaryCodec switches the binary fallback at runtime.
func (c *Codec) SetBinaryCodec(codec BinaryCodec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.binary = codec
}

// BinaryCodec returns the current binary fallback.
func (c *Codec) BinaryCodec() BinaryCodec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.binary
}

// Encode converts v into its transport form. It returns nil for a nil value.
// An error is returned only when neither the structured-text form nor the
// binary fallback can represent v.
func (c *Codec) Encode(v any) (*Encoded, error) {
	if v == nil {
		return nil, nil
	}
	if e, ok := encodeNative(v); ok {
		return e, nil
	}
	if m, ok := v.(proto.Message); ok {
		return c.encodeProto(m)
	}

	name := c.types.NameOf(reflect.TypeOf(v))
	data, err := jsoncodec.Marshal(v)
	if err == nil {
		return &Encoded{Type: name, Format: FormatJSON, Data: string(data)}, nil
	}

	binary := c.BinaryCodec()
	c.logger.Info("Structured value encoding failed, using binary fallback", watermill.LogFields{
		"type":  name,
		"codec": string(binary),
		"error": err.Error(),
	})

	raw, format, binErr := encodeBinary(binary, v)
	if binErr != nil {
		return nil, fmt.Errorf("encode value of type %s: %w", name, errors.Join(err, binErr))
	}
	return &Encoded{Type: name, Format: format, Data: hex.EncodeToString(raw)}, nil
}

func (c *Codec) encodeProto(m proto.Message) (*Encoded, error) {
	name := string(m.ProtoReflect().Descriptor().FullName())
	data, err := protojson.Marshal(m)
	if err == nil {
		return &Encoded{Type: name, Format: FormatProtoJSON, Data: string(data)}, nil
	}

	c.logger.Info("Protobuf JSON encoding failed, using wire format", watermill.LogFields{
		"type":  name,
		"error": err.Error(),
	})
	raw, binErr := proto.Marshal(m)
	if binErr != nil {
		return nil, fmt.Errorf("encode protobuf value %s: %w", name, errors.Join(err, binErr))
	}
	return &Encoded{Type: name, Format: FormatProtobuf, Data: hex.EncodeToString(raw)}, nil
}

func encodeNative(v any) (*Encoded, bool) {
	switch x := v.(type) {
	case int32:
		return &Encoded{Type: TypeInt32, Format: FormatNative, Data: strconv.FormatInt(int64(x), 10)}, true
	case int16:
		return &Encoded{Type: TypeInt16, Format: FormatNative, Data: strconv.FormatInt(int64(x), 10)}, true
	case int64:
		return &Encoded{Type: TypeInt64, Format: FormatNative, Data: strconv.FormatInt(x, 10)}, true
	case int:
		return &Encoded{Type: TypeInt, Format: FormatNative, Data: strconv.Itoa(x)}, true
	case bool:
		return &Encoded{Type: TypeBool, Format: FormatNative, Data: strconv.FormatBool(x)}, true
	case float64:
		return &Encoded{Type: TypeFloat64, Format: FormatNative, Data: strconv.FormatFloat(x, 'g', -1, 64)}, true
	case string:
		return &Encoded{Type: TypeString, Format: FormatNative, Data: x}, true
	}
	return nil, false
}

func encodeBinary(codec BinaryCodec, v any) ([]byte, Format, error) {
	switch codec {
	case BinaryGob:
		buf := &bytes.Buffer{}
		if err := gob.NewEncoder(buf).Encode(v); err != nil {
			return nil, FormatGob, err
		}
		return buf.Bytes(), FormatGob, nil
	case BinaryCBOR, "":
		data, err := cborEncMode.Marshal(v)
		return data, FormatCBOR, err
	default:
		return nil, "", fmt.Errorf("%w: %q", errspkg.ErrUnsupportedValueCodec, codec)
	}
}

// Decode reconstructs the value described by e. It never fails: anything
// that cannot be decoded is logged and returned as nil.
func (c *Codec) Decode(e *Encoded) (value any) {
	if e == nil {
		return nil
	}
	defer c.recoverDecode(e.Type, &value)

	var err error
	switch e.Format {
	case "":
		return c.DecodeUntagged(e.Type, e.Data)
	case FormatNative:
		value, err = decodeNative(e.Type, e.Data)
	case FormatJSON:
		value, err = c.decodeJSON(e.Type, e.Data)
	case FormatProtoJSON:
		value, err = decodeProtoJSON(e.Type, e.Data)
	case FormatCBOR:
		value, err = c.decodeBinary(e.Type, e.Data, cborUnmarshal)
	case FormatGob:
		value, err = c.decodeBinary(e.Type, e.Data, gobUnmarshal)
	case FormatProtobuf:
		value, err = decodeProtoWire(e.Type, e.Data)
	default:
		err = fmt.Errorf("unknown value format %q", e.Format)
	}
	if err != nil {
		c.decodeFailed(e.Type, e.Format, err)
		return nil
	}
	return value
}

// DecodeUntagged decodes data written without a format tag by trying, in
// order, the native scalar parsers, the structured-text decoder, the CBOR
// codec and the legacy gob codec.
func (c *Codec) DecodeUntagged(typeName, data string) (value any) {
	defer c.recoverDecode(typeName, &value)

	if isNativeName(typeName) {
		v, err := decodeNative(typeName, data)
		if err != nil {
			c.decodeFailed(typeName, FormatNative, err)
			return nil
		}
		return v
	}

	var errs []error
	if _, ok := c.types.Resolve(typeName); ok {
		attempts := []func() (any, error){
			func() (any, error) { return c.decodeJSON(typeName, data) },
			func() (any, error) { return c.decodeBinary(typeName, data, cborUnmarshal) },
			func() (any, error) { return c.decodeBinary(typeName, data, gobUnmarshal) },
		}
		for _, attempt := range attempts {
			v, err := attempt()
			if err == nil {
				return v
			}
			errs = append(errs, err)
		}
	} else if _, ok := resolveProto(typeName); ok {
		for _, attempt := range []func(string, string) (any, error){decodeProtoJSON, decodeProtoWire} {
			v, err := attempt(typeName, data)
			if err == nil {
				return v
			}
			errs = append(errs, err)
		}
	} else {
		errs = append(errs, fmt.Errorf("unknown value type %q", typeName))
	}

	c.decodeFailed(typeName, "", errors.Join(errs...))
	return nil
}

func (c *Codec) recoverDecode(typeName string, value *any) {
	if r := recover(); r != nil {
		c.decodeFailed(typeName, "", fmt.Errorf("panic while decoding: %v", r))
		*value = nil
	}
}

func (c *Codec) decodeFailed(typeName string, format Format, err error) {
	c.logger.Error("Failed to decode exchange value", err, watermill.LogFields{
		"type":   typeName,
		"format": string(format),
	})
}

func isNativeName(name string) bool {
	switch name {
	case TypeInt32, TypeInt16, TypeInt64, TypeInt, TypeBool, TypeFloat64, TypeString:
		return true
	}
	return false
}

func decodeNative(typeName, data string) (any, error) {
	switch typeName {
	case TypeInt32:
		v, err := strconv.ParseInt(data, 10, 32)
		return int32(v), err
	case TypeInt16:
		v, err := strconv.ParseInt(data, 10, 16)
		return int16(v), err
	case TypeInt64:
		return strconv.ParseInt(data, 10, 64)
	case TypeInt:
		return strconv.Atoi(data)
	case TypeBool:
		return strconv.ParseBool(data)
	case TypeFloat64:
		return strconv.ParseFloat(data, 64)
	case TypeString:
		return data, nil
	}
	return nil, fmt.Errorf("%q is not a native value type", typeName)
}

func (c *Codec) decodeJSON(typeName, data string) (any, error) {
	t, ok := c.types.Resolve(typeName)
	if !ok {
		return nil, fmt.Errorf("unknown value type %q", typeName)
	}
	target := reflect.New(t)
	if err := jsoncodec.Unmarshal([]byte(data), target.Interface()); err != nil {
		return nil, err
	}
	return target.Elem().Interface(), nil
}

type binaryUnmarshal func(data []byte, target any) error

func cborUnmarshal(data []byte, target any) error {
	return cborDecMode.Unmarshal(data, target)
}

func gobUnmarshal(data []byte, target any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(target)
}

func (c *Codec) decodeBinary(typeName, data string, unmarshal binaryUnmarshal) (any, error) {
	t, ok := c.types.Resolve(typeName)
	if !ok {
		return nil, fmt.Errorf("unknown value type %q", typeName)
	}
	raw, err := hex.DecodeString(data)
	if err != nil {
		return nil, err
	}
	target := reflect.New(t)
	if err := unmarshal(raw, target.Interface()); err != nil {
		return nil, err
	}
	return target.Elem().Interface(), nil
}

func decodeProtoJSON(typeName, data string) (any, error) {
	m, ok := resolveProto(typeName)
	if !ok {
		return nil, fmt.Errorf("unknown protobuf message %q", typeName)
	}
	if err := protojson.Unmarshal([]byte(data), m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeProtoWire(typeName, data string) (any, error) {
	m, ok := resolveProto(typeName)
	if !ok {
		return nil, fmt.Errorf("unknown protobuf message %q", typeName)
	}
	raw, err := hex.DecodeString(data)
	if err != nil {
		return nil, err
	}
	if err := proto.Unmarshal(raw, m); err != nil {
		return nil, err
	}
	return m, nil
}
