package chat

import (
	"fmt"
	"strconv"
)

// U128 is an unsigned 128-bit scalar, used for lengths and sequence ids on
// the wire. The zero value is zero.
type U128 struct {
	Hi uint64
	Lo uint64
}

// U64 lifts a uint64 into a U128.
func U64(v uint64) U128 { return U128{Lo: v} }

// Cmp returns -1, 0 or 1 comparing u against o.
func (u U128) Cmp(o U128) int {
	switch {
	case u.Hi < o.Hi:
		return -1
	case u.Hi > o.Hi:
		return 1
	case u.Lo < o.Lo:
		return -1
	case u.Lo > o.Lo:
		return 1
	default:
		return 0
	}
}

func (u U128) IsZero() bool { return u.Hi == 0 && u.Lo == 0 }

// Uint64 narrows to uint64; ok is false if the value does not fit.
func (u U128) Uint64() (v uint64, ok bool) { return u.Lo, u.Hi == 0 }

func (u U128) String() string {
	if u.Hi == 0 {
		return strconv.FormatUint(u.Lo, 10)
	}
	return fmt.Sprintf("0x%x%016x", u.Hi, u.Lo)
}
