package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCode(t *testing.T) {
	testCases := []struct {
		name      string
		raw       string
		expected  string
		expectErr bool
	}{
		{name: "Canonical", raw: "A-1", expected: "A-1"},
		{name: "Lower case", raw: "a-1", expected: "A-1"},
		{name: "No separator", raw: "B12", expected: "B-12"},
		{name: "Underscore", raw: "c_7", expected: "C-7"},
		{name: "Spaces around dash", raw: "  D - 3 ", expected: "D-3"},
		{name: "Leading zeros", raw: "A-007", expected: "A-7"},
		{name: "Zero", raw: "A-0", expected: "A-0"},
		{name: "Multi letter prefix", raw: "ab-20", expected: "AB-20"},
		{name: "Empty", raw: "", expectErr: true},
		{name: "Digits only", raw: "123", expectErr: true},
		{name: "Letters only", raw: "ABC", expectErr: true},
		{name: "Too many digits", raw: "A-12345", expectErr: true},
		{name: "Garbage", raw: "A-1; drop", expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			code, err := ParseCode(tc.raw)
			if tc.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tc.expected, code)
			}
		})
	}
}
