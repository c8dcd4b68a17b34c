package optrec

import "fmt"

// PrimKind is the primitive type of a replaced constant.
type PrimKind uint8

const (
	KindBoolean PrimKind = iota + 1
	KindByte
	KindChar
	KindShort
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindReference
)

var primNames = [...]string{
	KindBoolean:   "boolean",
	KindByte:      "byte",
	KindChar:      "char",
	KindShort:     "short",
	KindInt:       "int",
	KindLong:      "long",
	KindFloat:     "float",
	KindDouble:    "double",
	KindReference: "reference",
}

func (k PrimKind) String() string {
	if int(k) < len(primNames) && primNames[k] != "" {
		return primNames[k]
	}
	return fmt.Sprintf("prim(%d)", uint8(k))
}

// ParsePrimKind is the inverse of PrimKind.String.
func ParsePrimKind(s string) (PrimKind, bool) {
	for i, n := range primNames {
		if n != "" && n == s {
			return PrimKind(i), true
		}
	}
	return 0, false
}
