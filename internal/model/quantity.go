package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Quantity is a whole unit count. It decodes from JSON numbers and numeric
// strings, truncating fractions, since legacy documents carry both.
type Quantity int

// Int returns q as an int.
func (q Quantity) Int() int { return int(q) }

// UnmarshalJSON implements json.Unmarshaler.
func (q *Quantity) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*q = 0
		return nil
	}

	var raw string
	if b[0] == '"' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			*q = 0
			return nil
		}
	} else {
		raw = string(b)
	}

	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("invalid quantity %s", b)
	}
	f = math.Trunc(f)
	if f < math.MinInt || f >= math.MaxInt {
		return fmt.Errorf("quantity %s out of range", b)
	}
	*q = Quantity(f)
	return nil
}
