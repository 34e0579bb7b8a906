package exchange

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/atsora/cncqueue/internal/runtime/errors"
	"github.com/atsora/cncqueue/internal/runtime/jsoncodec"
	"github.com/atsora/cncqueue/internal/runtime/valuecodec"
)

type spindleAlarm struct {
	Number  int    `json:"number"`
	Message string `json:"message"`
}

var sampleTime = time.Date(2026, 2, 3, 10, 15, 30, 987654321, time.UTC)

func roundTrip(t *testing.T, codec *valuecodec.Codec, r Record) Record {
	t.Helper()
	env, err := EncodeRecord(codec, r)
	require.NoError(t, err)

	data, err := jsoncodec.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, jsoncodec.Unmarshal(data, &decoded))
	return DecodeRecord(codec, decoded)
}

func TestBuilderRoundTrip(t *testing.T) {
	codec := NewCodec(nil)
	valuecodec.RegisterType[spindleAlarm](codec.Types())
	b := NewBuilder(12, 34, nil)

	fixed := map[string]Record{
		"machine mode id":                  b.MachineModeID(sampleTime, 3),
		"machine mode name":                b.MachineModeTranslationKeyOrName(sampleTime, "MachineModeActive"),
		"module activity id":               b.MachineModuleActivityID(sampleTime, 2),
		"module activity name":             b.MachineModuleActivityTranslationKeyOrName(sampleTime, "Idle"),
		"stop cnc value":                   b.StopCncValue(sampleTime, "Feedrate"),
		"quantity":                         b.Quantity(sampleTime, 4),
		"operation code quantity":          b.OperationCodeQuantity(sampleTime, "OP10", 2),
		"stamp":                            b.Stamp(sampleTime, "Stamp", 42),
		"stop iso file":                    b.Stamp(sampleTime, "Stamp", 0),
		"sequence milestone":               b.SequenceMilestone(sampleTime, 1500*time.Millisecond),
		"detection time stamp":             b.DetectionTimeStamp(sampleTime, nil),
		"detection time stamp with value":  b.DetectionTimeStamp(sampleTime, time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)),
		"cnc variable set map":             b.CncVariableSet(sampleTime, map[string]string{"#500": "1"}),
		"cnc alarm structured":             b.CncAlarm(sampleTime, spindleAlarm{Number: 1012, Message: "overload"}),
		"start cycle without operation":    b.StartCycle(sampleTime, nil),
		"stop cycle with operation number": b.StopCycle(sampleTime, int64(77)),
	}
	for name, r := range fixed {
		t.Run(name, func(t *testing.T) {
			got := roundTrip(t, codec, r)
			assert.True(t, r.Equal(got), "want %v, got %v", r, got)
		})
	}

	values := map[string]any{
		"absent":     nil,
		"int":        17,
		"double":     2.75,
		"bool":       true,
		"string":     "O1234",
		"structured": spindleAlarm{Number: 7, Message: "door open"},
	}
	builders := map[string]func(any) Record{
		"cnc value":        func(v any) Record { return b.CncValue(sampleTime, "Feedrate", v) },
		"start cycle":      func(v any) Record { return b.StartCycle(sampleTime, v) },
		"stop cycle":       func(v any) Record { return b.StopCycle(sampleTime, v) },
		"cnc alarm":        func(v any) Record { return b.CncAlarm(sampleTime, v) },
		"cnc variable set": func(v any) Record { return b.CncVariableSet(sampleTime, v) },
		"detection":        func(v any) Record { return b.DetectionTimeStamp(sampleTime, v) },
	}
	for builderName, build := range builders {
		for valueName, value := range values {
			t.Run(builderName+"/"+valueName, func(t *testing.T) {
				r := build(value)
				got := roundTrip(t, codec, r)

				assert.Equal(t, 12, got.MachineID)
				assert.Equal(t, 34, got.MachineModuleID)
				assert.Equal(t, r.Command, got.Command)
				assert.Equal(t, r.Key, got.Key)
				assert.True(t, sampleTime.Truncate(time.Second).Equal(got.Timestamp()))
				assert.Equal(t, value, got.Value)
			})
		}
	}
}

func TestBuilderKeyConventions(t *testing.T) {
	b := NewBuilder(1, 0, nil)

	tests := []struct {
		name    string
		record  Record
		command Command
		key     string
		value   any
	}{
		{"machine mode id", b.MachineModeID(sampleTime, 5), MachineMode, KeyID, 5},
		{"machine mode name", b.MachineModeTranslationKeyOrName(sampleTime, "Off"), MachineMode, KeyTranslationKeyOrName, "Off"},
		{"module activity id", b.MachineModuleActivityID(sampleTime, 5), MachineModuleActivity, KeyID, 5},
		{"module activity name", b.MachineModuleActivityTranslationKeyOrName(sampleTime, "Off"), MachineModuleActivity, KeyTranslationKeyOrName, "Off"},
		{"cnc value", b.CncValue(sampleTime, "SpindleLoad", 12.5), CncValue, "SpindleLoad", 12.5},
		{"stop cnc value", b.StopCncValue(sampleTime, "SpindleLoad"), StopCncValue, "SpindleLoad", nil},
		{"start cycle", b.StartCycle(sampleTime, "OP10"), Action, KeyStartCycle, "OP10"},
		{"stop cycle", b.StopCycle(sampleTime, nil), Action, KeyStopCycle, nil},
		{"quantity", b.Quantity(sampleTime, 3), Action, KeyQuantity, 3},
		{"operation code quantity", b.OperationCodeQuantity(sampleTime, "OP10", 3), Action, KeyOperationCodeQuantity, OperationCodeQuantityValue{OperationCode: "OP10", Quantity: 3}},
		{"sequence milestone", b.SequenceMilestone(sampleTime, 90*time.Second), SequenceMilestone, "", 90.0},
		{"cnc alarm", b.CncAlarm(sampleTime, nil), CncAlarm, "", nil},
		{"cnc variable set", b.CncVariableSet(sampleTime, nil), CncVariableSet, "", nil},
		{"detection", b.DetectionTimeStamp(sampleTime, nil), DetectionTimeStamp, "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.command, tt.record.Command)
			assert.Equal(t, tt.key, tt.record.Key)
			assert.Equal(t, tt.value, tt.record.Value)
			assert.Equal(t, 1, tt.record.MachineID)
			assert.Zero(t, tt.record.MachineModuleID)
		})
	}
}

func TestStampSignRule(t *testing.T) {
	logger := watermill.NewCaptureLogger()
	b := NewBuilder(1, 2, logger)

	stop := b.Stamp(sampleTime, "Stamp", 0)
	assert.Equal(t, Action, stop.Command)
	assert.Equal(t, KeyStopIsoFile, stop.Key)
	assert.Nil(t, stop.Value)

	negative := b.Stamp(sampleTime, "Stamp", -5)
	assert.Equal(t, Stamp, negative.Command)
	assert.Equal(t, "Stamp", negative.Key)
	assert.Equal(t, int64(5), negative.Value)
	assert.Len(t, logger.Captured()[watermill.InfoLogLevel], 1, "sign flip is logged")
	assert.Empty(t, logger.Captured()[watermill.ErrorLogLevel], "sign flip is not an error")

	positive := b.Stamp(sampleTime, "Stamp", 5)
	assert.Equal(t, Stamp, positive.Command)
	assert.Equal(t, int64(5), positive.Value)
}

func TestStampMinInt64(t *testing.T) {
	logger := watermill.NewCaptureLogger()
	b := NewBuilder(1, 2, logger)

	r := b.Stamp(sampleTime, "Stamp", math.MinInt64)
	assert.Equal(t, Stamp, r.Command)
	assert.Equal(t, int64(math.MaxInt64), r.Value)
	require.Len(t, logger.Captured()[watermill.InfoLogLevel], 1)
	assert.Equal(t, int64(math.MinInt64), logger.Captured()[watermill.InfoLogLevel][0].Fields["stamp_id"])
}

func TestTimestampTruncation(t *testing.T) {
	base := time.Date(2026, 2, 3, 10, 15, 30, 0, time.UTC)
	for _, nanos := range []int{0, 1, 499999999, 500000000, 999999999} {
		r := New(1, 0, base.Add(time.Duration(nanos)), CncValue, "X", nil)
		assert.True(t, base.Equal(r.Timestamp()), "nanos=%d gave %v", nanos, r.Timestamp())
	}

	var r Record
	r.SetTimestamp(base.Add(999 * time.Millisecond))
	assert.True(t, base.Equal(r.Timestamp()))

	codec := NewCodec(nil)
	got := roundTrip(t, codec, New(1, 0, base.Add(750*time.Millisecond), CncValue, "X", 1))
	assert.True(t, base.Equal(got.Timestamp()))
}

func TestRecordEqual(t *testing.T) {
	a := New(1, 2, sampleTime, CncValue, "X", spindleAlarm{Number: 1})
	b := New(1, 2, sampleTime.Add(100*time.Millisecond), CncValue, "X", spindleAlarm{Number: 1})
	assert.True(t, a.Equal(b), "sub-second differences are not observable")

	c := b
	c.Value = spindleAlarm{Number: 2}
	assert.False(t, a.Equal(c))

	d := b
	d.MachineModuleID = 0
	assert.False(t, a.Equal(d))

	e := b
	e.Command = StopCncValue
	assert.False(t, a.Equal(e))
}

func TestCommandNames(t *testing.T) {
	for c := MachineMode; c <= SequenceMilestone; c++ {
		parsed, err := ParseCommand(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}

	_, err := ParseCommand("Teleport")
	assert.True(t, errors.Is(err, errspkg.ErrUnknownCommand))
	assert.Equal(t, "Command(99)", Command(99).String())

	_, err = EncodeRecord(NewCodec(nil), Record{Command: Command(99)})
	assert.True(t, errors.Is(err, errspkg.ErrUnknownCommand))
}

func TestDecodeRecordWithCorruptValue(t *testing.T) {
	logger := watermill.NewCaptureLogger()
	codec := NewCodec(logger)
	env := Envelope{
		MachineID: 3,
		Timestamp: sampleTime.Unix(),
		Command:   CncAlarm,
		Value:     &valuecodec.Encoded{Type: "com.example.Alarm", Format: valuecodec.FormatJSON, Data: "{"},
	}

	r := DecodeRecord(codec, env)
	assert.Equal(t, CncAlarm, r.Command)
	assert.Nil(t, r.Value)
	assert.Len(t, logger.Captured()[watermill.ErrorLogLevel], 1)
}

func TestMarshalRecord(t *testing.T) {
	codec := NewCodec(nil)
	r := NewBuilder(5, 6, nil).OperationCodeQuantity(sampleTime, "OP20", 8)

	data, err := MarshalRecord(codec, r)
	require.NoError(t, err)
	assert.True(t, jsoncodec.Valid(data))

	got, err := UnmarshalRecord(codec, data)
	require.NoError(t, err)
	assert.True(t, r.Equal(got))

	_, err = UnmarshalRecord(codec, []byte("not json"))
	assert.Error(t, err)
}
