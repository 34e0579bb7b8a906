package exchange

import (
	"fmt"

	errspkg "github.com/atsora/cncqueue/internal/runtime/errors"
)

// Command identifies the family of an exchange record. The set is closed and
// its names form the cross-process vocabulary, so values must never be
// renumbered or renamed.
type Command int

const (
	MachineMode Command = iota + 1
	CncValue
	Stamp
	Action
	StopCncValue
	CncAlarm
	DetectionTimeStamp
	MachineModuleActivity
	CncVariableSet
	SequenceMilestone
)

var commandNames = map[Command]string{
	MachineMode:           "MachineMode",
	CncValue:              "CncValue",
	Stamp:                 "Stamp",
	Action:                "Action",
	StopCncValue:          "StopCncValue",
	CncAlarm:              "CncAlarm",
	DetectionTimeStamp:    "DetectionTimeStamp",
	MachineModuleActivity: "MachineModuleActivity",
	CncVariableSet:        "CncVariableSet",
	SequenceMilestone:     "SequenceMilestone",
}

var commandsByName = func() map[string]Command {
	m := make(map[string]Command, len(commandNames))
	for c, name := range commandNames {
		m[name] = c
	}
	return m
}()

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Command(%d)", int(c))
}

// Valid reports whether c belongs to the closed command set.
func (c Command) Valid() bool {
	_, ok := commandNames[c]
	return ok
}

// ParseCommand returns the command with the given wire name.
func ParseCommand(name string) (Command, error) {
	if c, ok := commandsByName[name]; ok {
		return c, nil
	}
	return 0, fmt.Errorf("%w: %q", errspkg.ErrUnknownCommand, name)
}

func (c Command) validationError() error {
	return fmt.Errorf("%w: %d", errspkg.ErrUnknownCommand, int(c))
}

func (c Command) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, c.validationError()
	}
	return []byte(c.String()), nil
}

func (c *Command) UnmarshalText(text []byte) error {
	parsed, err := ParseCommand(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Key conventions for MachineMode and MachineModuleActivity records.
const (
	KeyID                   = "Id"
	KeyTranslationKeyOrName = "TranslationKeyOrName"
)

// Key conventions for Action records.
const (
	KeyStartCycle            = "StartCycle"
	KeyStopCycle             = "StopCycle"
	KeyQuantity              = "Quantity"
	KeyOperationCodeQuantity = "OperationCodeQuantity"
	KeyStopIsoFile           = "StopIsoFile"
)
