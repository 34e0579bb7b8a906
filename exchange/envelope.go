package exchange

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/atsora/cncqueue/internal/runtime/jsoncodec"
	"github.com/atsora/cncqueue/internal/runtime/logging"
	"github.com/atsora/cncqueue/internal/runtime/valuecodec"
)

// NewCodec returns a value codec that also resolves the value types defined
// by this package.
func NewCodec(logger watermill.LoggerAdapter, opts ...valuecodec.Option) *valuecodec.Codec {
	codec := valuecodec.New(logging.Component(logger, "valuecodec"), opts...)
	RegisterTypes(codec.Types())
	return codec
}

// RegisterTypes registers the value types built by Builder.
func RegisterTypes(types *valuecodec.TypeRegistry) {
	valuecodec.RegisterType[OperationCodeQuantityValue](types)
}

// Envelope is the storage-neutral form of a Record. Backends persist
// envelopes rather than records so that values only go through the codec
// when they cross a serialization boundary.
type Envelope struct {
	MachineID       int                 `json:"machine_id"`
	MachineModuleID int                 `json:"machine_module_id,omitempty"`
	Timestamp       int64               `json:"timestamp"`
	Command         Command             `json:"command"`
	Key             string              `json:"key,omitempty"`
	Value           *valuecodec.Encoded `json:"value,omitempty"`
}

// EncodeRecord converts r into an envelope, encoding its value with codec.
func EncodeRecord(codec *valuecodec.Codec, r Record) (Envelope, error) {
	if !r.Command.Valid() {
		return Envelope{}, fmt.Errorf("encode record: %w", r.Command.validationError())
	}
	value, err := codec.Encode(r.Value)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode record %s: %w", r.Command, err)
	}
	return Envelope{
		MachineID:       r.MachineID,
		MachineModuleID: r.MachineModuleID,
		Timestamp:       r.timestamp.Unix(),
		Command:         r.Command,
		Key:             r.Key,
		Value:           value,
	}, nil
}

// DecodeRecord rebuilds a record from e. An undecodable value becomes nil;
// the codec logs it.
func DecodeRecord(codec *valuecodec.Codec, e Envelope) Record {
	return New(e.MachineID, e.MachineModuleID, time.Unix(e.Timestamp, 0).UTC(), e.Command, e.Key, codec.Decode(e.Value))
}

// MarshalRecord encodes r as a JSON envelope.
func MarshalRecord(codec *valuecodec.Codec, r Record) ([]byte, error) {
	e, err := EncodeRecord(codec, r)
	if err != nil {
		return nil, err
	}
	return jsoncodec.Marshal(e)
}

// UnmarshalRecord decodes a JSON envelope written by MarshalRecord. Only a
// malformed envelope is an error; an undecodable value becomes nil.
func UnmarshalRecord(codec *valuecodec.Codec, data []byte) (Record, error) {
	var e Envelope
	if err := jsoncodec.Unmarshal(data, &e); err != nil {
		return Record{}, fmt.Errorf("decode record envelope: %w", err)
	}
	return DecodeRecord(codec, e), nil
}
