package scoring

import (
	"strings"

	"cotamatch/internal"
	"cotamatch/internal/util"
)

// Context scopes adjustments to a customer and platform. Empty fields match only unscoped adjustments.
type Context struct {
	CustomerTaxID string
	PlatformID    string
}

// Applies reports whether adjustment a targets productID for an item with the given text and code
// in scope c. Inactive adjustments never apply.
func Applies(a internal.ScoreAdjustment, productID, itemText, itemCode string, c Context) bool {
	if !a.Active || a.ProductID != productID {
		return false
	}
	if a.CustomerTaxID != nil && strings.TrimSpace(*a.CustomerTaxID) != "" {
		if NormalizeTaxID(*a.CustomerTaxID) != NormalizeTaxID(c.CustomerTaxID) {
			return false
		}
	}
	if a.PlatformID != nil && strings.TrimSpace(*a.PlatformID) != "" {
		if strings.TrimSpace(*a.PlatformID) != strings.TrimSpace(c.PlatformID) {
			return false
		}
	}

	if a.CodePattern != nil && sameCode(*a.CodePattern, itemCode) {
		return true
	}
	if a.DescriptionPattern != nil {
		pattern := util.NormalizeText(*a.DescriptionPattern)
		if pattern != "" && strings.Contains(util.NormalizeText(itemText), pattern) {
			return true
		}
	}
	return false
}

// NormalizeTaxID keeps only the digits of a CNPJ/CPF so "12.345.678/0001-90" equals "12345678000190".
// Values without digits are compared upper-cased.
func NormalizeTaxID(v string) string {
	var b strings.Builder
	for _, r := range v {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return strings.ToUpper(strings.TrimSpace(v))
	}
	return b.String()
}
