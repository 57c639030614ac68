package qbo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextDocNumber(t *testing.T) {
	cases := []struct {
		name     string
		lastUsed string
		current  string
		want     string
	}{
		{name: "numeric", lastUsed: "1005", current: "1001", want: "1006"},
		{name: "current_ahead", lastUsed: "1001", current: "1009", want: "1010"},
		{name: "same", lastUsed: "1001", current: "1001", want: "1002"},
		{name: "prefixed_padded", lastUsed: "INV-0099", current: "INV-0042", want: "INV-0100"},
		{name: "prefix_mismatch_prefers_remote", lastUsed: "A-17", current: "B-3", want: "A-18"},
		{name: "no_remote", lastUsed: "", current: "INV-7", want: "INV-8"},
		{name: "no_digits", lastUsed: "", current: "DRAFT", want: "DRAFT-1"},
		{name: "empty", lastUsed: "", current: "", want: "1"},
		{name: "remote_wins_when_current_has_no_digits", lastUsed: "300", current: "DRAFT", want: "301"},
		{name: "max_uint64_does_not_wrap", lastUsed: "", current: "18446744073709551615", want: "18446744073709551616"},
		{name: "beyond_uint64", lastUsed: "INV-99999999999999999999", current: "INV-1", want: "INV-100000000000000000000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NextDocNumber(tc.lastUsed, tc.current))
		})
	}
}

func TestHighestDocNumber(t *testing.T) {
	assert.Equal(t, "1010", HighestDocNumber([]string{"1002", "1010", "998"}))
	assert.Equal(t, "INV-0100", HighestDocNumber([]string{"INV-0099", "INV-0100", "MISC"}))
	assert.Equal(t, "MISC", HighestDocNumber([]string{"MISC"}))
	assert.Equal(t, "", HighestDocNumber(nil))
}

func TestDetectNumbering(t *testing.T) {
	assert.Equal(t, DefaultNumbering(), DetectNumbering(nil))

	numeric := DetectNumbering([]string{"1003", "1002", "1001"})
	assert.Equal(t, NumberingNumeric, numeric.Pattern)
	assert.Equal(t, 0, numeric.Width)

	padded := DetectNumbering([]string{"00042", "00041"})
	assert.Equal(t, NumberingNumeric, padded.Pattern)
	assert.Equal(t, 5, padded.Width)

	prefixed := DetectNumbering([]string{"INV-0012", "INV-0011", "1001"})
	assert.Equal(t, NumberingPrefixed, prefixed.Pattern)
	assert.Equal(t, "INV-", prefixed.Prefix)
	assert.Equal(t, 4, prefixed.Width)

	custom := DetectNumbering([]string{"ALPHA", "BETA"})
	assert.Equal(t, NumberingCustom, custom.Pattern)
}
