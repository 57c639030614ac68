package text

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateKeepsShortStrings(t *testing.T) {
	assert.Equal(t, "boom", Truncate("boom", 10))
	assert.Equal(t, "", Truncate("boom", 0))
}

func TestTruncateASCII(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abcdef", 3))
}

func TestTruncateBacksOffToRuneBoundary(t *testing.T) {
	message := "x" + strings.Repeat("José", 200)
	got := Truncate(message, 500)

	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), 500)
	assert.Equal(t, 499, len(got))
	assert.True(t, strings.HasSuffix(got, "Jos"))
}

func TestTruncateMultiByteAtStart(t *testing.T) {
	assert.Equal(t, "", Truncate("日本", 2))
	assert.Equal(t, "日", Truncate("日本", 4))
}
