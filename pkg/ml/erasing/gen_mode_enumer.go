// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Methods of Mode in the format of github.com/dmarkham/enumer: running `go generate` on erasing.go
// overwrites this file with the enumer output.

package erasing

import (
	"fmt"
	"strings"
)

const _ModeName = "constrandpixel"

var _ModeIndex = [...]uint8{0, 5, 9, 14}

const _ModeLowerName = "constrandpixel"

func (i Mode) String() string {
	if i < 0 || i >= Mode(len(_ModeIndex)-1) {
		return fmt.Sprintf("Mode(%d)", i)
	}
	return _ModeName[_ModeIndex[i]:_ModeIndex[i+1]]
}

func (Mode) Values() []string {
	return ModeStrings()
}

// An "invalid array index" compiler error signifies that the constant values have changed.
// Re-run the stringer command to generate them again.
func _ModeNoOp() {
	var x [1]struct{}
	_ = x[ModeConst-(0)]
	_ = x[ModeRand-(1)]
	_ = x[ModePixel-(2)]
}

var _ModeValues = []Mode{ModeConst, ModeRand, ModePixel}

var _ModeNameToValueMap = map[string]Mode{
	_ModeName[0:5]:       ModeConst,
	_ModeLowerName[0:5]:  ModeConst,
	_ModeName[5:9]:       ModeRand,
	_ModeLowerName[5:9]:  ModeRand,
	_ModeName[9:14]:      ModePixel,
	_ModeLowerName[9:14]: ModePixel,
}

var _ModeNames = []string{
	_ModeName[0:5],
	_ModeName[5:9],
	_ModeName[9:14],
}

// ModeString retrieves an enum value from the enum constants string name.
// Throws an error if the param is not part of the enum.
func ModeString(s string) (Mode, error) {
	if val, ok := _ModeNameToValueMap[s]; ok {
		return val, nil
	}

	if val, ok := _ModeNameToValueMap[strings.ToLower(s)]; ok {
		return val, nil
	}
	return 0, fmt.Errorf("%s does not belong to Mode values", s)
}

// ModeValues returns all values of the enum
func ModeValues() []Mode {
	return _ModeValues
}

// ModeStrings returns a slice of all String values of the enum
func ModeStrings() []string {
	strs := make([]string, len(_ModeNames))
	copy(strs, _ModeNames)
	return strs
}

// IsAMode returns "true" if the value is listed in the enum definition. "false" otherwise
func (i Mode) IsAMode() bool {
	for _, v := range _ModeValues {
		if i == v {
			return true
		}
	}
	return false
}

// MarshalText implements the encoding.TextMarshaler interface for Mode
func (i Mode) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface for Mode
func (i *Mode) UnmarshalText(text []byte) error {
	var err error
	*i, err = ModeString(string(text))
	return err
}
