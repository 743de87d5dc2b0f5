package intake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"cotamatch/internal"
	"cotamatch/internal/apperr"
	"cotamatch/internal/logger"
	"cotamatch/internal/metrics"
	"cotamatch/internal/scoring"
	"cotamatch/internal/storage"
	"cotamatch/internal/util"
)

type Kind string

const (
	KindText  Kind = "text"
	KindHTML  Kind = "html"
	KindXLSX  Kind = "xlsx"
	KindPDF   Kind = "pdf"
	KindEmail Kind = "eml"
)

// KindFromFilename guesses the source kind from a file extension.
func KindFromFilename(name string) (Kind, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xls":
		return KindXLSX, nil
	case ".pdf":
		return KindPDF, nil
	case ".html", ".htm":
		return KindHTML, nil
	case ".eml":
		return KindEmail, nil
	case ".txt", ".csv", "":
		return KindText, nil
	default:
		return "", apperr.Invalid("arquivo", "formato não suportado: "+filepath.Ext(name))
	}
}

type Source struct {
	Kind          Kind
	Content       []byte
	Origin        string
	Number        string
	CustomerTaxID *string
	PlatformID    *string
}

type Result struct {
	Quotation internal.Quotation
	Items     []internal.QuotationItem
	Skipped   bool
	Detect    *DetectResult
}

var reCNPJ = regexp.MustCompile(`\b\d{2}\.?\d{3}\.?\d{3}/?\d{4}-?\d{2}\b`)

type Importer struct {
	db      *storage.DB
	metrics *metrics.Collector
	log     *logger.Logger
	now     func() time.Time
}

func NewImporter(db *storage.DB, collector *metrics.Collector, log *logger.Logger) *Importer {
	if log == nil {
		log = logger.Nop()
	}
	return &Importer{db: db, metrics: collector, log: log.With("component", "intake"), now: func() time.Time { return time.Now().UTC() }}
}

// Import parses src and creates a pendente quotation with one item per recognised line.
func (im *Importer) Import(ctx context.Context, src Source) (Result, error) {
	started := time.Now()
	items, text, err := parseSource(src)
	if err != nil {
		return Result{}, err
	}
	if len(items) == 0 {
		return Result{}, apperr.Invalid("itens", "nenhum item reconhecido no documento")
	}

	q := internal.Quotation{
		ID:            uuid.NewString(),
		Number:        strings.TrimSpace(src.Number),
		CustomerTaxID: src.CustomerTaxID,
		PlatformID:    src.PlatformID,
		Source:        src.Origin,
		CreatedAt:     im.now(),
	}
	if q.Source == "" {
		q.Source = string(src.Kind)
	}
	if q.Number == "" {
		q.Number = "COT-" + q.CreatedAt.Format("20060102") + "-" + strings.ToUpper(q.ID[:8])
	}
	if q.CustomerTaxID == nil {
		if m := reCNPJ.FindString(text); m != "" {
			q.CustomerTaxID = util.StringPtr(scoring.NormalizeTaxID(m))
		}
	}

	rows := make([]internal.QuotationItem, 0, len(items))
	for _, it := range items {
		description := it.RawLine
		if it.Name != nil && strings.TrimSpace(*it.Name) != "" {
			description = *it.Name
		}
		rows = append(rows, internal.QuotationItem{
			ID:          uuid.NewString(),
			LineNo:      it.LineNo,
			Description: description,
			Code:        it.Code,
			Qty:         it.Qty,
			Unit:        it.Unit,
		})
	}

	if err := im.db.CreateQuotation(ctx, &q, rows); err != nil {
		return Result{}, fmt.Errorf("create quotation: %w", err)
	}

	im.metrics.Observe("importacao.duracao_ms", started, map[string]string{"origem": string(src.Kind)})
	im.log.Info("quotation imported", "cotacao_id", q.ID, "numero", q.Number, "origem", q.Source, "itens", len(rows))
	return Result{Quotation: q, Items: rows}, nil
}

// ImportEmail imports a stored raw e-mail when it looks like a quotation request. The e-mail ends
// imported (linked to the quotation), ignored, or failed.
func (im *Importer) ImportEmail(ctx context.Context, email internal.EmailRow) (Result, error) {
	raw, err := os.ReadFile(email.RawRef)
	if err != nil {
		return Result{}, fmt.Errorf("read raw e-mail %d: %w", email.ID, err)
	}

	parsed, err := ParseEmail(raw)
	if err != nil {
		_ = im.db.UpdateEmailStatus(ctx, email.ID, storage.EmailFailed)
		return Result{}, err
	}

	detect := DetectQuoteRequest(firstNonEmpty(parsed.Subject, email.Subject), parsed.Text, parsed.HTML, parsed.Attachments)
	if !detect.IsQuote || len(parsed.Items) == 0 {
		im.log.Info("e-mail is not a quotation request", "email_id", email.ID, "score", detect.Score, "itens", len(parsed.Items))
		if err := im.db.UpdateEmailStatus(ctx, email.ID, storage.EmailIgnored); err != nil {
			return Result{}, err
		}
		return Result{Skipped: true, Detect: &detect}, nil
	}

	res, err := im.Import(ctx, Source{
		Kind:    KindEmail,
		Content: raw,
		Origin:  "email:" + email.Provider,
		Number:  firstNonEmpty(parsed.Subject, email.Subject),
	})
	if err != nil {
		_ = im.db.UpdateEmailStatus(ctx, email.ID, storage.EmailFailed)
		return Result{}, err
	}
	if err := im.db.AttachQuotation(ctx, email.ID, res.Quotation.ID); err != nil {
		return Result{}, err
	}
	res.Detect = &detect
	return res, nil
}

// ImportPending imports up to limit fetched e-mails, optionally from one provider only. An e-mail that
// fails is logged and left failed; the rest of the batch continues.
func (im *Importer) ImportPending(ctx context.Context, limit int, provider string) ([]Result, error) {
	pending, err := im.db.ListEmailsByStatus(ctx, storage.EmailFetched, limit)
	if err != nil {
		return nil, err
	}
	out := []Result{}
	for _, email := range pending {
		if provider != "" && email.Provider != provider {
			continue
		}
		res, err := im.ImportEmail(ctx, email)
		if err != nil {
			im.log.Warn("e-mail import failed", "email_id", email.ID, "error", err)
			continue
		}
		out = append(out, res)
	}
	return out, nil
}

func parseSource(src Source) ([]internal.ImportedItem, string, error) {
	switch src.Kind {
	case KindText:
		text := string(src.Content)
		return ParseText(text, internal.SourceText), text, nil
	case KindHTML:
		html := string(src.Content)
		items := ParseHTMLTables(html)
		if len(items) == 0 {
			items = ParseText(stripTags(html), internal.SourceText)
		}
		return items, html, nil
	case KindXLSX:
		items, err := ParseXLSX(src.Content)
		if err != nil {
			return nil, "", apperr.Invalid("arquivo", "planilha ilegível")
		}
		return items, "", nil
	case KindPDF:
		items, err := ParsePDF(src.Content)
		if err != nil {
			return nil, "", apperr.Invalid("arquivo", "pdf ilegível")
		}
		return items, "", nil
	case KindEmail:
		parsed, err := ParseEmail(src.Content)
		if err != nil {
			return nil, "", apperr.Invalid("arquivo", "e-mail ilegível")
		}
		return parsed.Items, parsed.Text + "\n" + parsed.HTML, nil
	default:
		return nil, "", apperr.Invalid("tipo", fmt.Sprintf("origem desconhecida: %q", src.Kind))
	}
}

func stripTags(html string) string {
	html = strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "</p>\n", "</div>", "</div>\n", "</li>", "</li>\n").Replace(html)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	return doc.Text()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
