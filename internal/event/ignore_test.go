package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatcher(t *testing.T) {
	m, err := NewMatcher([]string{".git", "node_modules", "*.swp", "~$*", "build/tmp", " "})
	require.NoError(t, err)

	tests := []struct {
		path    string
		ignored bool
	}{
		{".git/HEAD", true},
		{"src/node_modules/x/index.js", true},
		{"notes.txt.swp", true},
		{"docs/.notes.swp", true},
		{"~$report.docx", true},
		{"a/build/tmp/out.o", true},
		{"src/main.go", false},
		{"gitlog.txt", false},
		{"my_node_modules.txt", false},
		{"build/final.o", false},
		{"", false},
	}
	for _, test := range tests {
		assert.Equal(t, test.ignored, m.Match(test.path), test.path)
	}
	assert.Equal(t, []string{".git", "node_modules", "*.swp", "~$*", "build/tmp"}, m.Patterns())
}

func TestMatcherNilAndInvalid(t *testing.T) {
	var m *Matcher
	assert.False(t, m.Match("anything"))

	_, err := NewMatcher([]string{"[unclosed"})
	assert.Error(t, err)
}
