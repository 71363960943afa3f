package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
)

// FlexCount is an int64 that also unmarshals JSON strings such as
// "1.2k" or "12 mil". Agent and oracle outputs alternate between the
// two encodings.
type FlexCount int64

func (c *FlexCount) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		*c = 0
		return nil
	}

	if s[0] == '"' {
		var text string
		if err := json.Unmarshal(b, &text); err != nil {
			return err
		}
		if n, ok := ParseCount(text); ok {
			*c = FlexCount(n)
		} else {
			*c = 0
		}
		return nil
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		*c = FlexCount(f)
		return nil
	}

	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*c = FlexCount(n)
	return nil
}

func (c FlexCount) Int64() int64 { return int64(c) }

// Int64Ptr distinguishes an absent count from zero: a nil receiver
// stays nil.
func (c *FlexCount) Int64Ptr() *int64 {
	if c == nil {
		return nil
	}
	n := int64(*c)
	return &n
}
