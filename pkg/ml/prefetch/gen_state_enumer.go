// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Methods of State in the format of github.com/dmarkham/enumer: running `go generate` on prefetch.go
// overwrites this file with the enumer output.

package prefetch

import (
	"fmt"
	"strings"
)

const _StateName = "startprimingsteadydraindone"

var _StateIndex = [...]uint8{0, 5, 12, 18, 23, 27}

const _StateLowerName = "startprimingsteadydraindone"

func (i State) String() string {
	if i < 0 || i >= State(len(_StateIndex)-1) {
		return fmt.Sprintf("State(%d)", i)
	}
	return _StateName[_StateIndex[i]:_StateIndex[i+1]]
}

func (State) Values() []string {
	return StateStrings()
}

// An "invalid array index" compiler error signifies that the constant values have changed.
// Re-run the stringer command to generate them again.
func _StateNoOp() {
	var x [1]struct{}
	_ = x[StateStart-(0)]
	_ = x[StatePriming-(1)]
	_ = x[StateSteady-(2)]
	_ = x[StateDrain-(3)]
	_ = x[StateDone-(4)]
}

var _StateValues = []State{StateStart, StatePriming, StateSteady, StateDrain, StateDone}

var _StateNameToValueMap = map[string]State{
	_StateName[0:5]:        StateStart,
	_StateLowerName[0:5]:   StateStart,
	_StateName[5:12]:       StatePriming,
	_StateLowerName[5:12]:  StatePriming,
	_StateName[12:18]:      StateSteady,
	_StateLowerName[12:18]: StateSteady,
	_StateName[18:23]:      StateDrain,
	_StateLowerName[18:23]: StateDrain,
	_StateName[23:27]:      StateDone,
	_StateLowerName[23:27]: StateDone,
}

var _StateNames = []string{
	_StateName[0:5],
	_StateName[5:12],
	_StateName[12:18],
	_StateName[18:23],
	_StateName[23:27],
}

// StateString retrieves an enum value from the enum constants string name.
// Throws an error if the param is not part of the enum.
func StateString(s string) (State, error) {
	if val, ok := _StateNameToValueMap[s]; ok {
		return val, nil
	}

	if val, ok := _StateNameToValueMap[strings.ToLower(s)]; ok {
		return val, nil
	}
	return 0, fmt.Errorf("%s does not belong to State values", s)
}

// StateValues returns all values of the enum
func StateValues() []State {
	return _StateValues
}

// StateStrings returns a slice of all String values of the enum
func StateStrings() []string {
	strs := make([]string, len(_StateNames))
	copy(strs, _StateNames)
	return strs
}

// IsAState returns "true" if the value is listed in the enum definition. "false" otherwise
func (i State) IsAState() bool {
	for _, v := range _StateValues {
		if i == v {
			return true
		}
	}
	return false
}

// MarshalText implements the encoding.TextMarshaler interface for State
func (i State) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface for State
func (i *State) UnmarshalText(text []byte) error {
	var err error
	*i, err = StateString(string(text))
	return err
}
