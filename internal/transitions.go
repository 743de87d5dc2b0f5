package internal

var quotationTransitions = map[QuotationStatus][]QuotationStatus{
	QuotationPending:   {QuotationAnalyzing},
	QuotationAnalyzing: {QuotationDone, QuotationError, QuotationCanceled, QuotationPending},
	QuotationError:     {QuotationPending},
	QuotationCanceled:  {QuotationPending},
	QuotationDone:      {},
}

var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemPending:   {ItemAnalyzing},
	ItemAnalyzing: {ItemDone, ItemError},
	ItemDone:      {},
	ItemError:     {},
}

// CanTransition reports whether a quotation may move from one status to another.
// em_analise -> pendente is the reconciler's reset; erro|cancelada -> pendente is an explicit reopen.
func (s QuotationStatus) CanTransition(to QuotationStatus) bool {
	for _, allowed := range quotationTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s QuotationStatus) Terminal() bool {
	return s == QuotationDone || s == QuotationError || s == QuotationCanceled
}

func (s ItemStatus) CanTransition(to ItemStatus) bool {
	for _, allowed := range itemTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedSources returns every status that may transition into s.
func (s QuotationStatus) AllowedSources() []QuotationStatus {
	var out []QuotationStatus
	for _, from := range []QuotationStatus{QuotationPending, QuotationAnalyzing, QuotationDone, QuotationError, QuotationCanceled} {
		if from.CanTransition(s) {
			out = append(out, from)
		}
	}
	return out
}

// AllowedSources returns every item status that may transition into s. Storage guards each
// item write with it.
func (s ItemStatus) AllowedSources() []ItemStatus {
	var out []ItemStatus
	for _, from := range []ItemStatus{ItemPending, ItemAnalyzing, ItemDone, ItemError} {
		if from.CanTransition(s) {
			out = append(out, from)
		}
	}
	return out
}
