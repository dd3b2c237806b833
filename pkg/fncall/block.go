package fncall

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// UBool is a boolean as native script code stores it: a 32 bit integer.
type UBool uint32

// Bool converts b to a UBool.
func Bool(b bool) UBool {
	if b {
		return 1
	}
	return 0
}

// Encode lays out fields one after the other in little endian byte order,
// with no padding. Each field must be a fixed-size value or a struct of
// fixed-size values, as accepted by encoding/binary.
func Encode(fields ...interface{}) ([]byte, error) {
	var buf bytes.Buffer
	for i, f := range fields {
		if err := binary.Write(&buf, binary.LittleEndian, f); err != nil {
			return nil, fmt.Errorf("parameter block field %d (%T): %v", i, f, err)
		}
	}
	return buf.Bytes(), nil
}

// Decode is the inverse of Encode for a single struct or value.
func Decode(block []byte, v interface{}) error {
	return binary.Read(bytes.NewReader(block), binary.LittleEndian, v)
}

// SelectCharacterParams is the parameter block of the character selection
// function. Every field is an object address, zero selects the default.
type SelectCharacterParams struct {
	Character uint64
	Skin      uint64
	Taunt     uint64
}

// SetFOVParams is the parameter block of the field of view setter.
type SetFOVParams struct {
	FOV float32
}

// SetSensitivityParams is the parameter block of the mouse sensitivity
// setter.
type SetSensitivityParams struct {
	X, Y float32
}

// SetShowSubtitlesParams is the parameter block of the subtitle toggle.
type SetShowSubtitlesParams struct {
	Show UBool
}
