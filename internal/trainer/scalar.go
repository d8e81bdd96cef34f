package trainer

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scalar is a numeric flag value that remembers whether it was written as
// an integer or as a float. The trainer receives the value as text, so
// "6" and "6.0" are different flags even though they compare equal as
// numbers.
//
// The zero value is the integer 0.
type Scalar struct {
	f       float64
	i       int64
	isFloat bool
}

// Int returns an integer Scalar.
func Int(v int64) Scalar {
	return Scalar{i: v, f: float64(v)}
}

// Float returns a float Scalar. It renders with a fractional part even
// when v is integral.
func Float(v float64) Scalar {
	return Scalar{f: v, isFloat: true}
}

// ParseScalar reads a Scalar from text. Text without a decimal point or
// exponent is an integer. NaN and infinities are rejected.
func ParseScalar(s string) (Scalar, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Scalar{}, fmt.Errorf("empty number")
	}
	if !strings.ContainsAny(s, ".eE") {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(v), nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Scalar{}, fmt.Errorf("invalid number %q", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Scalar{}, fmt.Errorf("invalid number %q: must be finite", s)
	}
	return Float(v), nil
}

// MustScalar is ParseScalar for constants; it panics on bad input.
func MustScalar(s string) Scalar {
	v, err := ParseScalar(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Float64 returns the numeric value.
func (s Scalar) Float64() float64 {
	if s.isFloat {
		return s.f
	}
	return float64(s.i)
}

// IsInt reports whether the value was written as an integer.
func (s Scalar) IsInt() bool {
	return !s.isFloat
}

// Trunc returns the value truncated toward zero.
func (s Scalar) Trunc() int {
	if !s.isFloat {
		return int(s.i)
	}
	return int(s.f)
}

// Equal compares both the value and the integer/float distinction.
func (s Scalar) Equal(o Scalar) bool {
	if s.isFloat != o.isFloat {
		return false
	}
	if s.isFloat {
		return s.f == o.f
	}
	return s.i == o.i
}

// String renders the value the way Python's repr does, which is what the
// trainer has always received on its command line.
func (s Scalar) String() string {
	if !s.isFloat {
		return strconv.FormatInt(s.i, 10)
	}
	return formatFloat(s.f)
}

func formatFloat(f float64) string {
	abs := math.Abs(f)
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(f, 'e', -1, 64)
	}
	out := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(out, ".") {
		out += ".0"
	}
	return out
}

// Set implements pflag.Value.
func (s *Scalar) Set(v string) error {
	parsed, err := ParseScalar(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Type implements pflag.Value.
func (s *Scalar) Type() string {
	return "number"
}

// UnmarshalYAML keeps the integer/float distinction of the YAML scalar.
func (s *Scalar) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number", n.Line)
	}
	parsed, err := ParseScalar(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*s = parsed
	return nil
}

// MarshalYAML writes the value as a plain YAML number.
func (s Scalar) MarshalYAML() (any, error) {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: scalarTag(s), Value: s.String()}, nil
}

func scalarTag(s Scalar) string {
	if s.isFloat {
		return "!!float"
	}
	return "!!int"
}

// MarshalJSON writes the value as a JSON number with the same text as String.
func (s Scalar) MarshalJSON() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalJSON reads a JSON number.
func (s *Scalar) UnmarshalJSON(b []byte) error {
	return s.Set(strings.Trim(string(b), `"`))
}
