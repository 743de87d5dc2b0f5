package util

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	reQuotes       = regexp.MustCompile(`["'` + "`" + `«»“”]`)
	reDecimalComma = regexp.MustCompile(`(\d),(\d)`)
	reNonAllowed   = regexp.MustCompile(`[^A-Z0-9X\-/\s.]`)
	reSpaces       = regexp.MustCompile(`\s+`)
)

// FoldAccents strips combining marks ("Ç" -> "C", "ã" -> "a").
func FoldAccents(input string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, input)
	if err != nil {
		return input
	}
	return out
}

// NormalizeText upper-cases, folds accents and keeps only characters that matter for matching.
func NormalizeText(input string) string {
	s := strings.ToUpper(FoldAccents(input))
	repl := strings.NewReplacer("×", "X", "*", "X", "Ø", "DIAM ", "²", "2", "³", "3")
	s = repl.Replace(s)
	s = reQuotes.ReplaceAllString(s, " ")
	s = reDecimalComma.ReplaceAllString(s, "$1.$2")
	s = reNonAllowed.ReplaceAllString(s, " ")
	s = reSpaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func NormalizeCode(input string) string {
	s := strings.ToUpper(FoldAccents(input))
	s = strings.NewReplacer("×", "X", "*", "X").Replace(s)
	out := strings.Builder{}
	for _, r := range s {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '/' || r == '.' {
			out.WriteRune(r)
		}
	}
	return out.String()
}

func Tokenize(input string) []string {
	norm := NormalizeText(input)
	parts := strings.Split(norm, " ")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, ".-/")
		if len([]rune(p)) >= 2 {
			out = append(out, p)
		}
	}
	return out
}

func LooksLikeCode(input string) bool {
	if len(strings.TrimSpace(input)) < 3 || strings.Contains(strings.TrimSpace(input), " ") {
		return false
	}
	hasLetter := false
	hasDigit := false
	for _, r := range input {
		if unicode.IsLetter(r) {
			hasLetter = true
		}
		if r >= '0' && r <= '9' {
			hasDigit = true
		}
	}
	return hasLetter && hasDigit
}

// DiceCoefficient is the Sørensen–Dice similarity over character bigrams (multiset intersection).
func DiceCoefficient(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	pairs := func(s string) []string {
		r := []rune(s)
		if len(r) < 2 {
			return nil
		}
		out := make([]string, 0, len(r)-1)
		for i := 0; i < len(r)-1; i++ {
			out = append(out, string(r[i:i+2]))
		}
		return out
	}

	aPairs := pairs(a)
	bPairs := pairs(b)
	if len(aPairs) == 0 || len(bPairs) == 0 {
		return 0
	}

	bCount := map[string]int{}
	for _, p := range bPairs {
		bCount[p]++
	}
	inter := 0
	for _, p := range aPairs {
		if bCount[p] > 0 {
			inter++
			bCount[p]--
		}
	}

	return float64(2*inter) / float64(len(aPairs)+len(bPairs))
}

// TokenSetDice is 2|A∩B| / (|A|+|B|) over distinct tokens.
func TokenSetDice(a, b []string) float64 {
	setA := toSet(a)
	setB := toSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			inter++
		}
	}
	return float64(2*inter) / float64(len(setA)+len(setB))
}

func toSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}
