package query

import (
	"strings"
	"unicode"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"
)

// #region keywords

var comparativeKeywords = []string{
	"vs", "versus", "compare", "comparison", "difference between",
	"differences between", "better than", "worse than", "pros and cons",
	"which is better",
}

var proceduralPrefixes = []string{
	"how to", "how do i", "how can i", "how should i", "steps to",
	"guide to", "instructions for",
}

var proceduralKeywords = []string{
	"step by step", "walkthrough", "tutorial", "set up", "setup", "configure",
	"install",
}

var navigationalKeywords = []string{
	"where can i find", "where is the", "link to", "go to", "open the",
	"page for", "portal", "dashboard", "login", "homepage", "url for",
	"download",
}

var factualPrefixes = []string{
	"who", "what", "when", "where", "which", "why", "how many", "how much",
	"how long", "is", "are", "does", "do", "can",
}

var factualKeywords = []string{
	"policy", "definition", "price", "cost", "deadline", "limit", "rate",
	"date", "number", "requirements",
}

// #endregion keywords

// #region classify

// ClassifyIntent tags a query via keyword rules over whole words. No model call.
// Order matters: comparative beats procedural beats navigational beats factual.
func ClassifyIntent(normalized string) accuracy.Intent {
	words := strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	joined := strings.Join(words, " ")
	padded := " " + joined + " "

	switch {
	case containsAny(padded, comparativeKeywords):
		return accuracy.IntentComparative
	case hasAnyPrefix(padded, proceduralPrefixes), containsAny(padded, proceduralKeywords):
		return accuracy.IntentProcedural
	case containsAny(padded, navigationalKeywords):
		return accuracy.IntentNavigational
	case hasAnyPrefix(padded, factualPrefixes), strings.HasSuffix(normalized, "?"), containsAny(padded, factualKeywords):
		return accuracy.IntentFactual
	}
	return accuracy.IntentGeneral
}

// containsAny reports whether padded contains any keyword as whole words.
func containsAny(padded string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(padded, " "+kw+" ") {
			return true
		}
	}
	return false
}

// hasAnyPrefix reports whether padded starts with any prefix as whole words.
func hasAnyPrefix(padded string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(padded, " "+p+" ") {
			return true
		}
	}
	return false
}

// #endregion classify
