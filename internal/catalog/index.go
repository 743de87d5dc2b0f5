package catalog

import (
	"sort"

	"cotamatch/internal"
	"cotamatch/internal/embedding"
	"cotamatch/internal/util"
)

// fallbackScan bounds how many products are scored lexically when a line shares no token with the catalog.
const fallbackScan = 1500

type Index struct {
	ProductsByID       map[string]internal.Product
	ByCode             map[string][]string
	TokenToProductIDs  map[string]map[string]struct{}
	NormalizedTextByID map[string]string
	ids                []string
}

func BuildIndex(products []internal.Product) *Index {
	idx := &Index{
		ProductsByID:       map[string]internal.Product{},
		ByCode:             map[string][]string{},
		TokenToProductIDs:  map[string]map[string]struct{}{},
		NormalizedTextByID: map[string]string{},
	}

	for _, p := range products {
		if _, dup := idx.ProductsByID[p.ID]; dup {
			continue
		}
		idx.ProductsByID[p.ID] = p
		idx.ids = append(idx.ids, p.ID)
		idx.NormalizedTextByID[p.ID] = util.NormalizeText(p.Description)

		if p.Code != nil {
			if norm := util.NormalizeCode(*p.Code); norm != "" {
				idx.ByCode[norm] = append(idx.ByCode[norm], p.ID)
			}
		}

		for _, token := range util.Tokenize(p.Description) {
			if _, ok := idx.TokenToProductIDs[token]; !ok {
				idx.TokenToProductIDs[token] = map[string]struct{}{}
			}
			idx.TokenToProductIDs[token][p.ID] = struct{}{}
		}
	}
	sort.Strings(idx.ids)

	return idx
}

func (idx *Index) Len() int {
	return len(idx.ids)
}

// Product returns the indexed product with the given id.
func (idx *Index) Product(id string) (internal.Product, bool) {
	p, ok := idx.ProductsByID[id]
	return p, ok
}

type ranked struct {
	id    string
	score float64
}

// Candidates preselects the products worth scoring for one line: every exact code hit, the
// limit best lexical matches and the limit nearest products by embedding. The union is returned
// in id order.
func (idx *Index) Candidates(itemText, itemCode string, vector []float32, limit int) []internal.Product {
	if limit <= 0 {
		limit = 50
	}
	picked := map[string]struct{}{}

	code := util.NormalizeCode(itemCode)
	if code == "" && util.LooksLikeCode(itemText) {
		code = util.NormalizeCode(itemText)
	}
	if code != "" {
		for _, id := range idx.ByCode[code] {
			picked[id] = struct{}{}
		}
	}

	for _, r := range idx.rankLexical(util.NormalizeText(itemText), limit) {
		picked[r.id] = struct{}{}
	}
	if len(vector) > 0 {
		for _, r := range idx.rankSemantic(vector, limit) {
			picked[r.id] = struct{}{}
		}
	}

	out := make([]internal.Product, 0, len(picked))
	for _, id := range idx.ids {
		if _, ok := picked[id]; ok {
			out = append(out, idx.ProductsByID[id])
		}
	}
	return out
}

func (idx *Index) rankLexical(query string, limit int) []ranked {
	queryTokens := util.Tokenize(query)
	ids := map[string]struct{}{}
	for _, token := range queryTokens {
		for id := range idx.TokenToProductIDs[token] {
			ids[id] = struct{}{}
		}
	}
	if len(ids) == 0 {
		for i, id := range idx.ids {
			if i >= fallbackScan {
				break
			}
			ids[id] = struct{}{}
		}
	}

	out := make([]ranked, 0, len(ids))
	for id := range ids {
		candidate := idx.NormalizedTextByID[id]
		score := scoreText(query, candidate, queryTokens, util.Tokenize(candidate))
		if score > 0 {
			out = append(out, ranked{id: id, score: score})
		}
	}
	return top(out, limit)
}

func (idx *Index) rankSemantic(vector []float32, limit int) []ranked {
	out := make([]ranked, 0, len(idx.ids))
	for _, id := range idx.ids {
		p := idx.ProductsByID[id]
		if len(p.Embedding) == 0 {
			continue
		}
		if sim := embedding.Cosine(vector, p.Embedding); sim > 0 {
			out = append(out, ranked{id: id, score: sim})
		}
	}
	return top(out, limit)
}

func top(in []ranked, limit int) []ranked {
	sort.Slice(in, func(i, j int) bool {
		if in[i].score != in[j].score {
			return in[i].score > in[j].score
		}
		return in[i].id < in[j].id
	})
	if len(in) > limit {
		in = in[:limit]
	}
	return in
}

func scoreText(query, candidate string, queryTokens, candidateTokens []string) float64 {
	dice := util.DiceCoefficient(query, candidate)
	if len(queryTokens) == 0 || len(candidateTokens) == 0 {
		return dice
	}

	set := map[string]struct{}{}
	for _, t := range candidateTokens {
		set[t] = struct{}{}
	}
	overlap := 0
	for _, t := range queryTokens {
		if _, ok := set[t]; ok {
			overlap++
		}
	}
	tokenScore := float64(overlap) / float64(len(queryTokens))
	return 0.65*dice + 0.35*tokenScore
}
