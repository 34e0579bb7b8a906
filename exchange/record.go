// Package exchange defines the CNC exchange record that travels from the
// acquisition process to the analysis service through a queue, the closed
// command vocabulary, and the builders that fix each command's key
// convention.
package exchange

import (
	"fmt"
	"reflect"
	"time"

	"google.golang.org/protobuf/proto"
)

// Record is one time-stamped machine event. Timestamps are only observable
// at whole-second granularity.
type Record struct {
	MachineID       int
	MachineModuleID int
	Command         Command
	Key             string
	Value           any

	timestamp time.Time
}

// New creates a record, truncating ts down to the second.
func New(machineID, machineModuleID int, ts time.Time, command Command, key string, value any) Record {
	r := Record{
		MachineID:       machineID,
		MachineModuleID: machineModuleID,
		Command:         command,
		Key:             key,
		Value:           value,
	}
	r.SetTimestamp(ts)
	return r
}

// Timestamp returns the record time truncated to the second.
func (r Record) Timestamp() time.Time {
	return r.timestamp
}

// SetTimestamp stores ts truncated down to the second.
func (r *Record) SetTimestamp(ts time.Time) {
	r.timestamp = truncate(ts)
}

func truncate(ts time.Time) time.Time {
	return ts.Truncate(time.Second)
}

// Equal reports whether both records carry the same command, timestamp,
// identity, key and value.
func (r Record) Equal(other Record) bool {
	return r.Command == other.Command &&
		r.timestamp.Equal(other.timestamp) &&
		r.MachineID == other.MachineID &&
		r.MachineModuleID == other.MachineModuleID &&
		r.Key == other.Key &&
		valuesEqual(r.Value, other.Value)
}

func valuesEqual(a, b any) bool {
	if am, ok := a.(proto.Message); ok {
		bm, ok := b.(proto.Message)
		return ok && proto.Equal(am, bm)
	}
	return reflect.DeepEqual(a, b)
}

func (r Record) String() string {
	return fmt.Sprintf("%s[%d.%d %s %q=%v]",
		r.Command, r.MachineID, r.MachineModuleID,
		r.timestamp.UTC().Format(time.RFC3339), r.Key, r.Value)
}
