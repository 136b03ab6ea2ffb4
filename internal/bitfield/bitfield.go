// Package bitfield packs and unpacks tagged struct fields into integers.
// Firmware structures such as the multiboot flag word are described as Go
// structs whose fields carry a `bitfield:",N"` tag; fields are laid out from
// bit 0 upward in declaration order.
package bitfield

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// ErrNotStruct is returned when the value passed to Pack or Unpack is not a
// struct (or pointer to one).
var ErrNotStruct = errors.New("bitfield: expected struct")

// Config determines settings for packing.
type Config struct {
	// NumBits fixes the maximum allowed bits for the integer representation.
	// Zero means 64.
	NumBits uint
}

func (c *Config) numBits() uint {
	if c == nil || c.NumBits == 0 {
		return 64
	}
	return c.NumBits
}

type field struct {
	index  int
	name   string
	offset uint
	bits   uint
}

// layout walks the tagged fields of t. Fields without a tag are skipped.
func layout(t reflect.Type) ([]field, uint, error) {
	var fields []field
	var offset uint
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag, ok := f.Tag.Lookup("bitfield")
		if !ok {
			continue
		}
		// "name,bits" or ",bits"
		_, bitsStr, found := strings.Cut(tag, ",")
		if !found {
			return nil, 0, fmt.Errorf("bitfield: invalid tag %q on field %s", tag, f.Name)
		}
		bits, err := strconv.ParseUint(bitsStr, 10, 8)
		if err != nil || bits > 64 {
			return nil, 0, fmt.Errorf("bitfield: invalid width %q on field %s", bitsStr, f.Name)
		}
		if bits == 0 {
			continue
		}
		fields = append(fields, field{index: i, name: f.Name, offset: offset, bits: uint(bits)})
		offset += uint(bits)
	}
	return fields, offset, nil
}

func mask(bits uint) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << bits) - 1
}

func structValue(x any) (reflect.Value, error) {
	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("%w, got %v", ErrNotStruct, v.Kind())
	}
	return v, nil
}

// Pack packs annotated bit ranges of struct x into an integer.
// Only fields that have a "bitfield" tag are compacted.
func Pack(x any, c *Config) (uint64, error) {
	v, err := structValue(x)
	if err != nil {
		return 0, err
	}
	fields, total, err := layout(v.Type())
	if err != nil {
		return 0, err
	}
	if total > c.numBits() {
		return 0, fmt.Errorf("bitfield: total bits %d exceeds NumBits %d", total, c.numBits())
	}

	var packed uint64
	for _, f := range fields {
		fv := v.Field(f.index)
		var bits uint64
		switch fv.Kind() {
		case reflect.Bool:
			if fv.Bool() {
				bits = 1
			}
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			bits = fv.Uint()
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			n := fv.Int()
			if n < 0 {
				return 0, fmt.Errorf("bitfield: negative value %d for field %s", n, f.name)
			}
			bits = uint64(n)
		default:
			return 0, fmt.Errorf("bitfield: unsupported field type %v for field %s", fv.Kind(), f.name)
		}
		if bits > mask(f.bits) {
			return 0, fmt.Errorf("bitfield: value %d exceeds %d bits for field %s", bits, f.bits, f.name)
		}
		packed |= bits << f.offset
	}
	return packed, nil
}

// Unpack is the inverse of Pack. x must be a pointer to a struct.
func Unpack(packed uint64, x any) error {
	rv := reflect.ValueOf(x)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("%w pointer, got %T", ErrNotStruct, x)
	}
	v, err := structValue(x)
	if err != nil {
		return err
	}
	fields, _, err := layout(v.Type())
	if err != nil {
		return err
	}
	for _, f := range fields {
		bits := (packed >> f.offset) & mask(f.bits)
		fv := v.Field(f.index)
		switch fv.Kind() {
		case reflect.Bool:
			fv.SetBool(bits != 0)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			fv.SetUint(bits)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			fv.SetInt(int64(bits))
		default:
			return fmt.Errorf("bitfield: unsupported field type %v for field %s", fv.Kind(), f.name)
		}
	}
	return nil
}
