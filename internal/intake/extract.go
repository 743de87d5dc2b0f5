// Package intake turns inbound quotation requests (e-mail, spreadsheets, pdf, pasted text) into
// quotations with line items.
package intake

import (
	"bytes"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/jhillyerd/enmime"
	pdf "github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"

	"cotamatch/internal"
	"cotamatch/internal/util"
)

var (
	ignorePatterns = []*regexp.Regexp{
		regexp.MustCompile(`^--+$`),
		regexp.MustCompile(`(?i)^obrigad`),
		regexp.MustCompile(`(?i)^atenciosamente`),
		regexp.MustCompile(`(?i)^att\.?,?$`),
		regexp.MustCompile(`(?i)^(tel|fone|telefone|cel|whatsapp)[.:\s]`),
		regexp.MustCompile(`(?i)^e-?mail[:\s]`),
		regexp.MustCompile(`(?i)^http`),
		regexp.MustCompile(`(?i)^(bom dia|boa tarde|boa noite|ol[aá]|prezad[oa]s?)\b`),
		regexp.MustCompile(`(?i)^(cnpj|cpf)[.:\s]`),
	}
	reSpaces      = regexp.MustCompile(`\s+`)
	reLetters     = regexp.MustCompile(`\pL`)
	reDigit       = regexp.MustCompile(`\d`)
	reSeparators  = regexp.MustCompile(`[;|]+`)
	reCodeLabel   = regexp.MustCompile(`(?i)(?:^|\s)(?:c[oó]d(?:igo)?|ref(?:er[eê]ncia)?)(?:\.\s*|\s*[:#]\s*|\s+)([A-Za-z0-9][A-Za-z0-9\-./_]*)`)
	reLeadingList = regexp.MustCompile(`^(?:\d{1,3}[.)\-]\s+|[-*•]\s*)`)
)

var (
	nameHeaders = []string{"descri", "produto", "material", "especifica", "mercadoria", "item"}
	codeHeaders = []string{"codigo", "cod", "ref", "sku", "part number"}
	qtyHeaders  = []string{"quant", "qtd", "qtde", "qde"}
	unitHeaders = []string{"unidade", "und", "unid", "un", "um", "u.m", "medida"}
)

// Email is what ParseEmail extracts from a raw RFC 822 message.
type Email struct {
	Subject     string
	From        string
	Text        string
	HTML        string
	Attachments []string
	Items       []internal.ImportedItem
}

// ParseEmail reads items from the text body, html tables and xlsx/pdf attachments of a raw message.
// Attachments that fail to parse are skipped.
func ParseEmail(raw []byte) (Email, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return Email{}, fmt.Errorf("read envelope: %w", err)
	}

	out := Email{Subject: env.GetHeader("Subject"), From: env.GetHeader("From"), Text: env.Text, HTML: env.HTML}
	items := []internal.ImportedItem{}
	if env.HTML != "" {
		items = append(items, ParseHTMLTables(env.HTML)...)
	}
	if env.Text != "" && len(items) == 0 {
		items = append(items, ParseText(env.Text, internal.SourceEmailText)...)
	}

	for _, att := range env.Attachments {
		filename := strings.TrimSpace(att.FileName)
		if filename == "" {
			filename = "anexo"
		}
		out.Attachments = append(out.Attachments, filename)

		var extra []internal.ImportedItem
		switch {
		case isSpreadsheet(filename):
			extra, err = ParseXLSX(att.Content)
		case isPDF(filename):
			extra, err = ParsePDF(att.Content)
		default:
			continue
		}
		if err != nil {
			continue
		}
		for i := range extra {
			extra[i].Meta["anexo"] = filename
		}
		items = append(items, extra...)
	}

	out.Items = renumber(dedupeItems(items))
	return out, nil
}

// ParseText reads one item per line. A line is kept when it has letters and either a quantity or a
// product code.
func ParseText(text string, source internal.ImportSource) []internal.ImportedItem {
	out := []internal.ImportedItem{}
	for _, line := range splitLines(text) {
		item := lineToItem(source, len(out)+1, line)
		if item == nil {
			continue
		}
		if !reLetters.MatchString(item.RawLine) || (item.Qty == nil && item.Code == nil) {
			continue
		}
		out = append(out, *item)
	}
	return out
}

// ParseHTMLTables reads every table with a header row and at least one data row.
func ParseHTMLTables(html string) []internal.ImportedItem {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	out := []internal.ImportedItem{}
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		rows := table.Find("tr")
		if rows.Length() < 2 {
			return
		}

		headers := []string{}
		rows.First().Find("th,td").Each(func(_ int, cell *goquery.Selection) {
			headers = append(headers, cell.Text())
		})
		cols := inferColumns(headers)
		if cols.name < 0 {
			cols.name = 0
		}

		rows.Slice(1, rows.Length()).Each(func(_ int, row *goquery.Selection) {
			cells := []string{}
			row.Find("th,td").Each(func(_ int, cell *goquery.Selection) {
				cells = append(cells, normalizeSpaces(cell.Text()))
			})
			if item, ok := rowToItem(internal.SourceEmailHTMLTable, len(out)+1, cells, cols); ok {
				item.Meta["linha_tabela"] = cells
				out = append(out, item)
			}
		})
	})
	return out
}

// ParseXLSX reads every sheet. The header row is looked for in the first three rows; without one the
// columns default to description, quantity, unit.
func ParseXLSX(content []byte) ([]internal.ImportedItem, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	out := []internal.ImportedItem{}
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}

		cols := columns{name: -1, code: -1, qty: -1, unit: -1}
		for i, row := range rows {
			cells := normalizeCells(row)
			if len(cells) == 0 {
				continue
			}
			if i < 3 && cols.name < 0 {
				if found := inferColumns(cells); found.name >= 0 || found.qty >= 0 {
					cols = found
					continue
				}
			}
			if cols.name < 0 {
				cols = columns{name: 0, code: -1, qty: 1, unit: 2}
			}

			item, ok := rowToItem(internal.SourceXLSX, len(out)+1, cells, cols)
			if !ok || item.Qty == nil {
				continue
			}
			item.Meta["planilha"] = sheet
			item.Meta["linha_planilha"] = i + 1
			out = append(out, item)
		}
	}
	return out, nil
}

// ParsePDF reads the plain text of every page and keeps lines with a description and a quantity.
func ParsePDF(content []byte) ([]internal.ImportedItem, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	out := []internal.ImportedItem{}
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		for _, line := range splitLines(text) {
			item := lineToItem(internal.SourcePDF, len(out)+1, line)
			if item == nil || item.Name == nil || item.Qty == nil {
				continue
			}
			item.Meta["pagina"] = i
			out = append(out, *item)
		}
	}
	return out, nil
}

type columns struct {
	name, code, qty, unit int
}

func inferColumns(headers []string) columns {
	norm := make([]string, 0, len(headers))
	for _, h := range headers {
		norm = append(norm, strings.ToLower(util.FoldAccents(normalizeSpaces(h))))
	}
	cols := columns{code: findHeaderIndex(norm, codeHeaders)}
	cols.name = findHeaderIndex(norm, nameHeaders, cols.code)
	cols.qty = findHeaderIndex(norm, qtyHeaders, cols.code, cols.name)
	cols.unit = findHeaderIndex(norm, unitHeaders, cols.code, cols.name, cols.qty)
	return cols
}

// findHeaderIndex returns the first header, outside skip, holding a word that starts with a keyword.
// Keywords shorter than three letters must match a whole word. Earlier keywords win.
func findHeaderIndex(headers []string, keywords []string, skip ...int) int {
	for _, kw := range keywords {
		for i, h := range headers {
			if slices.Contains(skip, i) {
				continue
			}
			for _, word := range strings.Fields(h) {
				word = strings.Trim(word, ".:()")
				if word == kw || (len(kw) >= 3 && strings.HasPrefix(word, kw)) {
					return i
				}
			}
		}
	}
	return -1
}

func rowToItem(source internal.ImportSource, lineNo int, cells []string, cols columns) (internal.ImportedItem, bool) {
	if len(cells) == 0 {
		return internal.ImportedItem{}, false
	}
	name := pickCell(cells, cols.name, 0)
	rawLine := strings.Join(cells, " | ")

	qtyCell := pickCell(cells, cols.qty, -1)
	if qtyCell == "" && cols.qty < 0 {
		for i, c := range cells {
			if i != cols.name && i != cols.code && reDigit.MatchString(c) {
				qtyCell = c
				break
			}
		}
	}
	parsed := util.ParseQty(qtyCell)
	if strings.TrimSpace(name) == "" || (parsed.Qty == nil && !reDigit.MatchString(rawLine)) {
		return internal.ImportedItem{}, false
	}

	item := internal.ImportedItem{
		LineNo:  lineNo,
		Source:  source,
		RawLine: rawLine,
		Name:    util.StringPtr(name),
		Qty:     parsed.Qty,
		Unit:    parsed.Unit,
		Meta:    map[string]any{},
	}
	if code := pickCell(cells, cols.code, -1); code != "" {
		item.Code = util.StringPtr(code)
	}
	if unit := pickCell(cells, cols.unit, -1); unit != "" {
		item.Unit = util.StringPtr(util.NormalizeUnit(unit))
	}
	return item, true
}

func lineToItem(source internal.ImportSource, lineNo int, rawLine string) *internal.ImportedItem {
	compact := normalizeSpaces(rawLine)
	if compact == "" || isLikelyNoise(compact) {
		return nil
	}

	parsed := util.ParseQty(compact)
	rest := compact
	if parsed.QtyRaw != nil {
		if idx := strings.LastIndex(rest, *parsed.QtyRaw); idx >= 0 {
			rest = rest[:idx] + " " + rest[idx+len(*parsed.QtyRaw):]
		}
	}
	rest = reLeadingList.ReplaceAllString(normalizeSpaces(rest), "")

	var code *string
	if m := reCodeLabel.FindStringSubmatchIndex(rest); m != nil {
		code = util.StringPtr(rest[m[2]:m[3]])
		rest = rest[:m[0]] + " " + rest[m[1]:]
	} else if fields := strings.Fields(rest); len(fields) > 1 && util.LooksLikeCode(fields[0]) {
		code = util.StringPtr(fields[0])
		rest = strings.Join(fields[1:], " ")
	}

	name := normalizeSpaces(reSeparators.ReplaceAllString(dropUnitTokens(rest), " "))
	name = strings.Trim(name, " -:,")
	if len([]rune(name)) <= 1 {
		name = compact
	}

	item := internal.ImportedItem{
		LineNo:  lineNo,
		Source:  source,
		RawLine: compact,
		Name:    util.StringPtr(name),
		Code:    code,
		Qty:     parsed.Qty,
		Unit:    parsed.Unit,
		Meta:    map[string]any{},
	}
	if parsed.QtyRaw != nil {
		item.Meta["qtd_original"] = *parsed.QtyRaw
	}
	return &item
}

var unitTokens = map[string]bool{"un": true, "pc": true, "cx": true, "kg": true, "m": true, "rl": true, "par": true, "kit": true, "l": true}

// dropUnitTokens removes standalone unit words left over once the quantity is cut out.
func dropUnitTokens(s string) string {
	fields := strings.Fields(s)
	out := fields[:0]
	for _, f := range fields {
		if unitTokens[util.NormalizeUnit(f)] && len([]rune(f)) <= 8 {
			continue
		}
		out = append(out, f)
	}
	return strings.Join(out, " ")
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	parts := strings.Split(text, "\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func normalizeSpaces(input string) string {
	return strings.TrimSpace(reSpaces.ReplaceAllString(input, " "))
}

func normalizeCells(row []string) []string {
	out := make([]string, 0, len(row))
	for _, c := range row {
		out = append(out, normalizeSpaces(c))
	}
	return out
}

func isLikelyNoise(line string) bool {
	for _, re := range ignorePatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

func pickCell(cells []string, idx int, fallback int) string {
	if idx >= 0 && idx < len(cells) {
		return strings.TrimSpace(cells[idx])
	}
	if fallback >= 0 && fallback < len(cells) {
		return strings.TrimSpace(cells[fallback])
	}
	return ""
}

func dedupeItems(items []internal.ImportedItem) []internal.ImportedItem {
	seen := map[string]struct{}{}
	out := make([]internal.ImportedItem, 0, len(items))
	for _, item := range items {
		qtyKey := "null"
		if item.Qty != nil {
			qtyKey = fmt.Sprintf("%g", *item.Qty)
		}
		key := string(item.Source) + "|" + item.RawLine + "|" + qtyKey
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}

func renumber(items []internal.ImportedItem) []internal.ImportedItem {
	for i := range items {
		items[i].LineNo = i + 1
	}
	return items
}
