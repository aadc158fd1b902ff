// Package text cleans feed text before it is sent for synthesis.
package text

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Regex patterns for text normalization.
const (
	urlRegexPattern        = `https?://\S+|www\.\S+`
	emailRegexPattern      = `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`
	markupRegexPattern     = `<[^>]+>`
	referenceRegexPattern  = `\[\d+\]|[¹²³⁴⁵⁶⁷⁸⁹⁰]+`
	whitespaceRegexPattern = `\s+`
	spaceBeforePunctuation = `\s+([.,;:!?])`
)

// Punctuation and formatting constants.
const (
	emDash       = "—"
	enDash       = "–"
	figureDash   = "‒"
	ellipsis     = "..."
	ellipsisChar = "…"
	nbsp         = " "
)

const englishLanguage = "en"

// Normalizer turns raw feed text into speakable text.
type Normalizer struct {
	urlPattern         *regexp.Regexp
	emailPattern       *regexp.Regexp
	markupPattern      *regexp.Regexp
	referencePattern   *regexp.Regexp
	whitespacePattern  *regexp.Regexp
	spacingPattern     *regexp.Regexp
	punctuationMapping *strings.Replacer
	abbreviations      map[string]*strings.Replacer
}

// NewNormalizer creates a normalizer with compiled patterns.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		urlPattern:        regexp.MustCompile(urlRegexPattern),
		emailPattern:      regexp.MustCompile(emailRegexPattern),
		markupPattern:     regexp.MustCompile(markupRegexPattern),
		referencePattern:  regexp.MustCompile(referenceRegexPattern),
		whitespacePattern: regexp.MustCompile(whitespaceRegexPattern),
		spacingPattern:    regexp.MustCompile(spaceBeforePunctuation),
		punctuationMapping: strings.NewReplacer(
			emDash, ", ",
			enDash, "-",
			figureDash, "-",
			ellipsisChar, ellipsis,
			nbsp, " ",
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
		),
		abbreviations: map[string]*strings.Replacer{
			englishLanguage: strings.NewReplacer(
				"Mr.", "Mister",
				"Mrs.", "Misses",
				"Dr.", "Doctor",
				"St.", "Saint",
				"Corp.", "Corporation",
				"Inc.", "Incorporated",
				"Ltd.", "Limited",
			),
		},
	}
}

// Normalize cleans input for the given language. It returns an empty string when
// nothing speakable is left.
func (n *Normalizer) Normalize(language, input string) string {
	if strings.TrimSpace(input) == "" {
		return ""
	}

	cleaned := n.markupPattern.ReplaceAllString(input, " ")
	cleaned = n.urlPattern.ReplaceAllString(cleaned, "")
	cleaned = n.emailPattern.ReplaceAllString(cleaned, "")
	cleaned = n.referencePattern.ReplaceAllString(cleaned, "")
	cleaned = n.punctuationMapping.Replace(cleaned)

	if replacer, ok := n.abbreviations[baseLanguage(language)]; ok {
		cleaned = replacer.Replace(cleaned)
	}

	cleaned = n.whitespacePattern.ReplaceAllString(cleaned, " ")
	cleaned = n.spacingPattern.ReplaceAllString(cleaned, "$1")
	cleaned = collapsePunctuation(cleaned)

	return ensureSentenceEnding(strings.TrimSpace(cleaned))
}

// baseLanguage reduces "en-US" or "en_GB" to "en".
func baseLanguage(language string) string {
	language = strings.ToLower(language)

	if idx := strings.IndexAny(language, "-_"); idx > 0 {
		return language[:idx]
	}

	return language
}

// collapsePunctuation removes repeated punctuation marks. Runs of periods
// become either a single period or an ellipsis.
func collapsePunctuation(text string) string {
	var builder strings.Builder

	builder.Grow(len(text))

	runes := []rune(text)

	for i := 0; i < len(runes); {
		char := runes[i]
		if !unicode.IsPunct(char) || char == '"' || char == '\'' {
			builder.WriteRune(char)
			i++

			continue
		}

		end := i
		for end < len(runes) && runes[end] == char {
			end++
		}

		if char == '.' && end-i >= len(ellipsis) {
			builder.WriteString(ellipsis)
		} else {
			builder.WriteRune(char)
		}

		i = end
	}

	return builder.String()
}

func ensureSentenceEnding(text string) string {
	if text == "" {
		return ""
	}

	lastChar, _ := utf8.DecodeLastRuneInString(text)

	switch lastChar {
	case '.', '!', '?', '"', '\'':
		return text
	case ',', ';', ':', '-':
		return strings.TrimRight(text, ",;:- ") + "."
	default:
		if !unicode.IsLetter(lastChar) && !unicode.IsDigit(lastChar) && !unicode.IsPunct(lastChar) {
			return text
		}

		return text + "."
	}
}
