package exchange

import (
	"math"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/atsora/cncqueue/internal/runtime/logging"
)

// OperationCodeQuantityValue is the value of an OperationCodeQuantity
// action.
type OperationCodeQuantityValue struct {
	OperationCode string `json:"operation_code"`
	Quantity      int    `json:"quantity"`
}

// Builder creates records for one machine module.
type Builder struct {
	machineID       int
	machineModuleID int
	logger          watermill.LoggerAdapter
}

// NewBuilder returns a Builder bound to machineID and machineModuleID
// (0 when the machine has no module).
func NewBuilder(machineID, machineModuleID int, logger watermill.LoggerAdapter) *Builder {
	return &Builder{
		machineID:       machineID,
		machineModuleID: machineModuleID,
		logger: logging.Component(logger, "exchange").With(watermill.LogFields{
			"machine_id":        machineID,
			"machine_module_id": machineModuleID,
		}),
	}
}

func (b *Builder) record(ts time.Time, command Command, key string, value any) Record {
	return New(b.machineID, b.machineModuleID, ts, command, key, value)
}

func (b *Builder) MachineModeID(ts time.Time, machineModeID int) Record {
	return b.record(ts, MachineMode, KeyID, machineModeID)
}

func (b *Builder) MachineModeTranslationKeyOrName(ts time.Time, translationKeyOrName string) Record {
	return b.record(ts, MachineMode, KeyTranslationKeyOrName, translationKeyOrName)
}

func (b *Builder) MachineModuleActivityID(ts time.Time, machineModeID int) Record {
	return b.record(ts, MachineModuleActivity, KeyID, machineModeID)
}

func (b *Builder) MachineModuleActivityTranslationKeyOrName(ts time.Time, translationKeyOrName string) Record {
	return b.record(ts, MachineModuleActivity, KeyTranslationKeyOrName, translationKeyOrName)
}

// CncValue records the current value of the field identified by fieldID.
func (b *Builder) CncValue(ts time.Time, fieldID string, value any) Record {
	return b.record(ts, CncValue, fieldID, value)
}

// StopCncValue marks the end of the value stream of fieldID.
func (b *Builder) StopCncValue(ts time.Time, fieldID string) Record {
	return b.record(ts, StopCncValue, fieldID, nil)
}

// StartCycle records a cycle start. operationCode may be nil.
func (b *Builder) StartCycle(ts time.Time, operationCode any) Record {
	return b.record(ts, Action, KeyStartCycle, operationCode)
}

// StopCycle records a cycle end. operationCode may be nil.
func (b *Builder) StopCycle(ts time.Time, operationCode any) Record {
	return b.record(ts, Action, KeyStopCycle, operationCode)
}

func (b *Builder) Quantity(ts time.Time, quantity int) Record {
	return b.record(ts, Action, KeyQuantity, quantity)
}

func (b *Builder) OperationCodeQuantity(ts time.Time, operationCode string, quantity int) Record {
	return b.record(ts, Action, KeyOperationCodeQuantity, OperationCodeQuantityValue{
		OperationCode: operationCode,
		Quantity:      quantity,
	})
}

// Stamp records the stamp read from the ISO file. A zero stamp means the ISO
// file ended and becomes a StopIsoFile action. Negative stamps come from
// controls that cannot store positive values and are sign-flipped.
func (b *Builder) Stamp(ts time.Time, key string, stampID int64) Record {
	switch {
	case stampID == 0:
		return b.record(ts, Action, KeyStopIsoFile, nil)
	case stampID == math.MinInt64:
		// The opposite does not fit in an int64.
		b.logger.Info("Negative stamp out of range, using the largest stamp", watermill.LogFields{
			"key":      key,
			"stamp_id": stampID,
		})
		return b.record(ts, Stamp, key, int64(math.MaxInt64))
	case stampID < 0:
		b.logger.Info("Negative stamp received, using its opposite", watermill.LogFields{
			"key":      key,
			"stamp_id": stampID,
		})
		return b.record(ts, Stamp, key, -stampID)
	default:
		return b.record(ts, Stamp, key, stampID)
	}
}

// SequenceMilestone records the elapsed time within the current sequence,
// in seconds.
func (b *Builder) SequenceMilestone(ts time.Time, milestone time.Duration) Record {
	return b.record(ts, SequenceMilestone, "", milestone.Seconds())
}

func (b *Builder) CncAlarm(ts time.Time, alarm any) Record {
	return b.record(ts, CncAlarm, "", alarm)
}

func (b *Builder) CncVariableSet(ts time.Time, variables any) Record {
	return b.record(ts, CncVariableSet, "", variables)
}

func (b *Builder) DetectionTimeStamp(ts time.Time, detection any) Record {
	return b.record(ts, DetectionTimeStamp, "", detection)
}
