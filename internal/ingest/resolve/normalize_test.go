package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "John Smith", "John Smith"},
		{"last first order", "Smith, John", "John Smith"},
		{"fec uppercase", "SMITH, JOHN", "JOHN SMITH"},
		{"honorific", "Rep. John Smith", "John Smith"},
		{"senator", "Sen. Jane Doe", "Jane Doe"},
		{"generational suffix", "John Smith Jr.", "John Smith"},
		{"honorific and suffix", "Rep. John Smith III", "John Smith"},
		{"middle initial", "John Q. Smith", "John Q Smith"},
		{"nickname quotes", `David "Doc" Smith`, "David Doc Smith"},
		{"extra whitespace", "  John   Smith  ", "John Smith"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanName(tt.in))
		})
	}
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "john smith", NormalizeName("Smith, John"))
	assert.Equal(t, "john smith", NormalizeName("Rep. John SMITH Jr."))
	assert.Equal(t, "", NormalizeName("   "))
}

func TestSplitName(t *testing.T) {
	first, last, ok := SplitName("John Quincy Smith")
	assert.True(t, ok)
	assert.Equal(t, "John", first)
	assert.Equal(t, "Smith", last)

	first, last, ok = SplitName("Smith, John")
	assert.True(t, ok)
	assert.Equal(t, "John", first)
	assert.Equal(t, "Smith", last)

	_, _, ok = SplitName("Cher")
	assert.False(t, ok)

	_, _, ok = SplitName("")
	assert.False(t, ok)
}
