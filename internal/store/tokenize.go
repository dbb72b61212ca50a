package store

import (
	"strings"
	"unicode"
)

// Full-text parser names accepted by SearchText. Backends without a native
// tokenizer (sqlite, memstore) share this implementation; postgres maps them
// onto its own text search configs.
const (
	ParserSpace  = "space"
	ParserNgram  = "ngram"
	ParserNgram2 = "ngram2"
	ParserBEng   = "beng"
	ParserIK     = "ik"
)

// Tokenize splits text for lexical matching under the named parser. Unknown
// parsers fall back to space splitting.
func Tokenize(parser, text string) []string {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return nil
	}
	switch parser {
	case ParserNgram:
		return ngrams(text, 3)
	case ParserNgram2:
		return ngrams(text, 2)
	case ParserBEng, ParserIK:
		// Mixed CJK/latin: CJK runes become unigrams, latin runs whole words.
		return mixedTokens(text)
	default:
		return fieldsAlnum(text)
	}
}

func fieldsAlnum(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func ngrams(text string, n int) []string {
	var out []string
	for _, word := range fieldsAlnum(text) {
		runes := []rune(word)
		if len(runes) <= n {
			out = append(out, word)
			continue
		}
		for i := 0; i+n <= len(runes); i++ {
			out = append(out, string(runes[i:i+n]))
		}
	}
	return out
}

func mixedTokens(text string) []string {
	var out []string
	var latin []rune
	flush := func() {
		if len(latin) > 0 {
			out = append(out, string(latin))
			latin = latin[:0]
		}
	}
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			out = append(out, string(r))
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			latin = append(latin, r)
		default:
			flush()
		}
	}
	flush()
	return out
}
