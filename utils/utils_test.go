package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainsString(t *testing.T) {
	assert.True(t, ContainsString([]string{"a", "b"}, "a"))
	assert.False(t, ContainsString([]string{}, "a"))
	assert.False(t, ContainsString([]string{"a", "b"}, "c"))
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "short", Summarize("short", 10))
	assert.Equal(t, "first", Summarize("first\nsecond", 10))
	assert.Equal(t, "abcdefg...", Summarize("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", Summarize("abcdef", 2))
}

func TestDedupStrings(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, DedupStrings([]string{"a", "", "b", "a", "c", "b"}))
	assert.Empty(t, DedupStrings(nil))
}
