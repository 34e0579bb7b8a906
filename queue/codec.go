package queue

import (
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/atsora/cncqueue/exchange"
	"github.com/atsora/cncqueue/internal/runtime/valuecodec"
)

// RecordCodec serializes records for a backend. Backends embed it to
// implement CodecUser: the backend owns a private codec until the factory
// shares one.
type RecordCodec struct {
	mu     sync.RWMutex
	codec  *valuecodec.Codec
	shared bool
}

// NewRecordCodec creates a RecordCodec owning a private codec.
func NewRecordCodec(logger watermill.LoggerAdapter) *RecordCodec {
	return &RecordCodec{codec: exchange.NewCodec(logger)}
}

// UseCodec implements CodecUser.
func (c *RecordCodec) UseCodec(codec *valuecodec.Codec) {
	if codec == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codec = codec
	c.shared = true
}

// Codec returns the current value codec.
func (c *RecordCodec) Codec() *valuecodec.Codec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.codec
}

// ApplySettings selects the binary fallback named by KeyValueBinaryCodec.
// A shared codec is left untouched.
func (c *RecordCodec) ApplySettings(s Settings) error {
	name := String(s, KeyValueBinaryCodec, "")
	if name == "" {
		return nil
	}
	binary, err := valuecodec.ParseBinaryCodec(name)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.shared {
		c.codec.SetBinaryCodec(binary)
	}
	return nil
}

// Marshal encodes r as a JSON envelope.
func (c *RecordCodec) Marshal(r exchange.Record) ([]byte, error) {
	return exchange.MarshalRecord(c.Codec(), r)
}

// Unmarshal decodes an envelope written by Marshal.
func (c *RecordCodec) Unmarshal(data []byte) (exchange.Record, error) {
	return exchange.UnmarshalRecord(c.Codec(), data)
}
