// Package price handles price and size values from prediction market APIs
// without losing precision.
//
// Both are fixed-point integers in millionths. A price is a probability in
// [0, 1], so Price(Scale) is certainty.
package price

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type Price int64

type Size int64

var (
	_ json.Unmarshaler = (*Price)(nil)
	_ json.Unmarshaler = (*Size)(nil)
)

var ErrOutOfRange = errors.New("price outside [0, 1]")

const Scale int64 = 1_000_000

// centScale converts cents (Kalshi) into millionths.
const centScale int64 = Scale / 100

// Parse reads a decimal string such as "0.52". Digits past the sixth
// fractional place are truncated.
func Parse(s string) (Price, error) {
	v, err := parseFixed(s)
	if err != nil {
		return 0, err
	}
	return Price(v), nil
}

// ParseSize reads a decimal quantity such as "150.25".
func ParseSize(s string) (Size, error) {
	v, err := parseFixed(s)
	if err != nil {
		return 0, err
	}
	return Size(v), nil
}

// FromCents converts a price in whole cents into a probability.
func FromCents(cents int64) Price {
	return Price(cents * centScale)
}

// Contracts converts a whole contract count into a Size.
func Contracts(n int64) Size {
	return Size(n * Scale)
}

// Complement returns 1-p, the price of the opposite outcome.
func (p Price) Complement() Price {
	return Price(Scale) - p
}

// Valid reports whether p is a probability.
func (p Price) Valid() bool {
	return p >= 0 && int64(p) <= Scale
}

// Check returns ErrOutOfRange when p is not a probability.
func (p Price) Check() error {
	if !p.Valid() {
		return fmt.Errorf("%w: %s", ErrOutOfRange, p)
	}
	return nil
}

func (p Price) Float64() float64 {
	return decimal.New(int64(p), -6).InexactFloat64()
}

func (p Price) String() string {
	return decimal.New(int64(p), -6).String()
}

func (s Size) Float64() float64 {
	return decimal.New(int64(s), -6).InexactFloat64()
}

func (s Size) String() string {
	return decimal.New(int64(s), -6).String()
}

func (p *Price) UnmarshalJSON(data []byte) error {
	v, err := unmarshalFixed(data)
	if err != nil {
		return err
	}
	*p = Price(v)
	return nil
}

func (s *Size) UnmarshalJSON(data []byte) error {
	v, err := unmarshalFixed(data)
	if err != nil {
		return err
	}
	*s = Size(v)
	return nil
}

func unmarshalFixed(data []byte) (int64, error) {
	if len(data) >= 2 && data[0] == '"' && data[len(data)-1] == '"' {
		data = data[1 : len(data)-1]
	}
	// Else we assume that it is a raw number.
	if string(data) == "null" || len(data) == 0 {
		return 0, nil
	}
	return parseFixed(string(data))
}

func parseFixed(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("couldn't parse %q: %w", s, err)
	}
	return d.Shift(6).IntPart(), nil
}
