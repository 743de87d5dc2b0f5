package scoring

import (
	"math"

	"cotamatch/internal/embedding"
	"cotamatch/internal/util"
)

// TokenScore is the lexical similarity of an item and a product on a 0..100 scale.
// An identical normalized code scores 100; otherwise it blends character-bigram Dice
// with token-set Dice of the normalized descriptions. It is symmetric in its two sides.
func TokenScore(itemText, itemCode, productText, productCode string) (score float64, codeExact bool) {
	codeExact = sameCode(itemCode, productCode)
	if codeExact {
		return 100, true
	}

	a := util.NormalizeText(itemText)
	b := util.NormalizeText(productText)
	lexical := 0.65*util.DiceCoefficient(a, b) + 0.35*util.TokenSetDice(util.Tokenize(a), util.Tokenize(b))
	return clamp100(100 * lexical), false
}

// SemanticScore maps cosine similarity to 0..100; negative similarity and missing vectors score 0.
func SemanticScore(itemVector, productVector []float32) float64 {
	if len(itemVector) == 0 || len(productVector) == 0 {
		return 0
	}
	return clamp100(100 * math.Max(0, embedding.Cosine(itemVector, productVector)))
}

func sameCode(a, b string) bool {
	na := util.NormalizeCode(a)
	nb := util.NormalizeCode(b)
	return na != "" && na == nb
}

func clamp100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
