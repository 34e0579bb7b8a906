package queue

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"
)

// Well-known settings keys.
const (
	KeyQueueType       = "QueueType"
	KeyMachineID       = "MachineId"
	KeyMachineModuleID = "MachineModuleId"
	KeyQueueName       = "QueueName"
)

// KeyValueBinaryCodec selects the binary value fallback ("cbor" or "gob")
// of backends that own their codec.
const KeyValueBinaryCodec = "ValueBinaryCodec"

// KeySubQueue is the dotted position of a composite child, set by the
// factory so that children of one identity get distinct storage.
const KeySubQueue = "SubQueue"

// Settings is a read-only string key/value view.
type Settings interface {
	Lookup(key string) (string, bool)
}

// MapSettings is a Settings backed by a map.
type MapSettings map[string]string

// Lookup implements Settings.
func (m MapSettings) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// Clone returns an independent copy.
func (m MapSettings) Clone() MapSettings {
	if m == nil {
		return MapSettings{}
	}
	return maps.Clone(m)
}

type layered []Settings

func (l layered) Lookup(key string) (string, bool) {
	for _, s := range l {
		if v, ok := s.Lookup(key); ok {
			return v, true
		}
	}
	return "", false
}

// Layer stacks views; the first view holding a key wins. Nil views are
// skipped.
func Layer(views ...Settings) Settings {
	out := make(layered, 0, len(views))
	for _, v := range views {
		if v == nil {
			continue
		}
		if m, ok := v.(MapSettings); ok && m == nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// String returns the trimmed value of key, or def when absent or blank.
func String(s Settings, key, def string) string {
	if s == nil {
		return def
	}
	v, ok := s.Lookup(key)
	if !ok {
		return def
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	return v
}

// Int parses key as a decimal integer.
func Int(s Settings, key string, def int) (int, error) {
	v := String(s, key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%w: setting %s=%q is not an integer", ErrInvalidConfiguration, key, v)
	}
	return n, nil
}

// Int64 parses key as a decimal 64-bit integer.
func Int64(s Settings, key string, def int64) (int64, error) {
	v := String(s, key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def, fmt.Errorf("%w: setting %s=%q is not an integer", ErrInvalidConfiguration, key, v)
	}
	return n, nil
}

// Bool parses key with strconv.ParseBool.
func Bool(s Settings, key string, def bool) (bool, error) {
	v := String(s, key, "")
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%w: setting %s=%q is not a boolean", ErrInvalidConfiguration, key, v)
	}
	return b, nil
}

// Duration parses key with time.ParseDuration. A bare integer is read as
// seconds.
func Duration(s Settings, key string, def time.Duration) (time.Duration, error) {
	v := String(s, key, "")
	if v == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%w: setting %s=%q is not a duration", ErrInvalidConfiguration, key, v)
	}
	return d, nil
}

// StorageName is the name a backend gives its storage unit: the queue name,
// suffixed with the composite position for sub-queues.
func StorageName(s Settings) string {
	name := String(s, KeyQueueName, "0")
	if sub := String(s, KeySubQueue, ""); sub != "" {
		return name + ".sub" + sub
	}
	return name
}
