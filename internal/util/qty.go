package util

import (
	"regexp"
	"strconv"
	"strings"
)

const unitAlternation = `unidades|unidade|unid\.?|un\.?|und\.?|pçs|pcs|peças|pecas|peça|peca|pç|pc|caixas|caixa|cx\.?|kg|metros|metro|mts|mt|m|rolos|rolo|rl|pares|par|kits|kit|litros|litro|lt|l`

var (
	unitPattern     = regexp.MustCompile(`(?i)(?:^|[^\pL\d])(` + unitAlternation + `)(?:$|[^\pL\d])`)
	withUnitPattern = regexp.MustCompile(`(?i)(?:^|[^0-9.,])(\d{1,3}(?:\.\d{3})+(?:,\d+)?|\d+(?:[.,]\d+)?)\s*(` + unitAlternation + `)(?:$|[^\pL])`)
	numberPattern   = regexp.MustCompile(`(?i)(?:^|[^0-9.,])(\d{1,3}(?:\.\d{3})+(?:,\d+)?|\d+(?:[.,]\d+)?)`)
	reThousandsDot  = regexp.MustCompile(`^\d{1,3}(?:\.\d{3})+$`)
	reThousandsBR   = regexp.MustCompile(`^\d{1,3}(?:\.\d{3})+,\d+$`)
)

type ParsedQty struct {
	Qty    *float64
	Unit   *string
	QtyRaw *string
}

// ParseQty finds the quantity (last number, preferring one followed by a unit) in a line.
// Brazilian number formats are accepted: "1.000", "1.250,5", "2,5".
func ParseQty(input string) ParsedQty {
	line := strings.ReplaceAll(input, " ", " ")

	qtyRaw := ""
	qtyToken := ""
	unitToken := ""

	wm := withUnitPattern.FindAllStringSubmatch(line, -1)
	if len(wm) > 0 {
		last := wm[len(wm)-1]
		qtyRaw = strings.TrimSpace(last[1] + " " + last[2])
		qtyToken = strings.TrimSpace(last[1])
		unitToken = last[2]
	} else {
		nm := numberPattern.FindAllStringSubmatch(line, -1)
		if len(nm) > 0 {
			last := nm[len(nm)-1]
			qtyRaw = strings.TrimSpace(last[1])
			qtyToken = strings.TrimSpace(last[1])
		}
	}

	var qtyPtr *float64
	if qtyToken != "" {
		if parsed, err := strconv.ParseFloat(normalizeNumericToken(qtyToken), 64); err == nil {
			qtyPtr = FloatPtr(parsed)
		}
	}

	var unitPtr *string
	if unitToken != "" {
		unitPtr = StringPtr(NormalizeUnit(unitToken))
	} else if um := unitPattern.FindStringSubmatch(line); len(um) > 1 {
		unitPtr = StringPtr(NormalizeUnit(um[1]))
	}

	var qtyRawPtr *string
	if qtyRaw != "" {
		qtyRawPtr = &qtyRaw
	}

	return ParsedQty{Qty: qtyPtr, Unit: unitPtr, QtyRaw: qtyRawPtr}
}

func NormalizeUnit(unit string) string {
	u := strings.ToLower(strings.TrimSpace(unit))
	u = strings.TrimSuffix(u, ".")
	switch FoldAccents(u) {
	case "un", "und", "unid", "unidade", "unidades":
		return "un"
	case "pc", "pcs", "peca", "pecas":
		return "pc"
	case "cx", "caixa", "caixas":
		return "cx"
	case "m", "mt", "mts", "metro", "metros":
		return "m"
	case "rl", "rolo", "rolos":
		return "rl"
	case "par", "pares":
		return "par"
	case "kit", "kits":
		return "kit"
	case "l", "lt", "litro", "litros":
		return "l"
	default:
		return u
	}
}

func normalizeNumericToken(token string) string {
	compact := strings.ReplaceAll(token, " ", "")
	if reThousandsDot.MatchString(compact) {
		return strings.ReplaceAll(compact, ".", "")
	}
	if reThousandsBR.MatchString(compact) {
		compact = strings.ReplaceAll(compact, ".", "")
		return strings.ReplaceAll(compact, ",", ".")
	}
	if strings.Contains(compact, ",") && !strings.Contains(compact, ".") {
		return strings.ReplaceAll(compact, ",", ".")
	}
	return compact
}
