package text_test

import (
	"testing"

	"github.com/book-expert/narration-service/internal/text"
	"github.com/stretchr/testify/assert"
)

type normalizeTestCase struct {
	name     string
	language string
	input    string
	expected string
}

func TestNormalizer_Normalize(t *testing.T) {
	t.Parallel()

	normalizer := text.NewNormalizer()

	tests := []normalizeTestCase{
		{name: "empty", language: "en", input: "   ", expected: ""},
		{name: "adds period", language: "en", input: "Markets closed higher", expected: "Markets closed higher."},
		{name: "keeps question", language: "en", input: "Who won?", expected: "Who won?"},
		{name: "collapses whitespace", language: "en", input: "Rain \n\t expected\r\ntoday.", expected: "Rain expected today."},
		{
			name:     "strips urls and emails",
			language: "en",
			input:    "Read more at https://news.example.com/a?b=1 or write to desk@example.com today",
			expected: "Read more at or write to today.",
		},
		{name: "strips markup", language: "en", input: "<p>Breaking <b>news</b></p>", expected: "Breaking news."},
		{name: "strips references", language: "en", input: "Growth slowed[12] last quarter²", expected: "Growth slowed last quarter."},
		{name: "dashes and quotes", language: "en", input: "He said “yes”—then left", expected: `He said "yes", then left.`},
		{name: "keeps ellipsis", language: "en", input: "And then… silence", expected: "And then... silence."},
		{name: "collapses repeats", language: "en", input: "Wow!!! Really??", expected: "Wow! Really?"},
		{name: "expands english abbreviations", language: "en-US", input: "Dr. Smith met Mr. Jones", expected: "Doctor Smith met Mister Jones."},
		{name: "leaves other languages", language: "pt", input: "Dr. Silva chegou", expected: "Dr. Silva chegou."},
		{name: "trailing comma", language: "en", input: "Stocks fell,", expected: "Stocks fell."},
		{name: "only a link", language: "en", input: "https://example.com", expected: ""},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, testCase.expected, normalizer.Normalize(testCase.language, testCase.input))
		})
	}
}
