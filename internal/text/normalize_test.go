package text_test

import (
	"testing"

	"github.com/book-expert/voice-service/internal/text"
	"github.com/stretchr/testify/assert"
)

// normalizeTestCase defines a standard test case for the normalizer.
type normalizeTestCase struct {
	name     string
	input    string
	expected string
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	normalizer := text.NewNormalizer()

	tests := []normalizeTestCase{
		{name: "empty", input: "", expected: ""},
		{name: "plain", input: "Hello world.", expected: "Hello world."},
		{name: "whitespace", input: "  Hello\t\tworld\r\n again  ", expected: "Hello world again"},
		{name: "smart quotes", input: "“Quoted” and ‘single’", expected: `"Quoted" and 'single'`},
		{name: "dashes", input: "a—b–c", expected: "a-b-c"},
		{name: "ellipsis", input: "Wait… what", expected: "Wait... what"},
		{name: "repeated marks", input: "Really!!! Yes??", expected: "Really! Yes?"},
		{name: "long dots", input: "and then.....", expected: "and then..."},
		{name: "control chars", input: "bell\a here", expected: "bell here"},
		{name: "cjk untouched", input: "你好，世界。", expected: "你好，世界。"},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, testCase.expected, normalizer.Normalize(testCase.input))
		})
	}
}

func TestLengthCountsCharacters(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 5, text.Length("héllo"))
	assert.Equal(t, 4, text.Length("你好世界"))
}
