package names

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{"simple", "blog", true},
		{"with digits", "blog2", true},
		{"with hyphen", "my-blog", true},
		{"minimum length", "abc", true},
		{"maximum length", strings.Repeat("a", 63), true},

		{"too short", "ab", false},
		{"too long", strings.Repeat("a", 64), false},
		{"uppercase", "Blog", false},
		{"leading hyphen", "-blog", false},
		{"trailing hyphen", "blog-", false},
		{"underscore", "my_blog", false},
		{"dot", "my.blog", false},
		{"empty", "", false},
		{"reserved word", "admin", false},
		{"reserved www", "www", false},
		{"blocked substring", "shitpost", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.input)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidateReservedNotSubstring(t *testing.T) {
	// Reserved words block exact matches only.
	assert.NoError(t, Validate("admin-tools"))
	assert.NoError(t, Validate("apiary"))
}
