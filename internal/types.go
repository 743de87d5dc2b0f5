package internal

import (
	"time"

	"github.com/shopspring/decimal"
)

type QuotationStatus string

const (
	QuotationPending   QuotationStatus = "pendente"
	QuotationAnalyzing QuotationStatus = "em_analise"
	QuotationDone      QuotationStatus = "concluida"
	QuotationError     QuotationStatus = "erro"
	QuotationCanceled  QuotationStatus = "cancelada"
)

type ItemStatus string

const (
	ItemPending   ItemStatus = "pendente"
	ItemAnalyzing ItemStatus = "analisando"
	ItemDone      ItemStatus = "concluido"
	ItemError     ItemStatus = "erro"
)

type ConfidenceBucket string

const (
	ConfidenceHigh   ConfidenceBucket = "alta"
	ConfidenceMedium ConfidenceBucket = "media"
	ConfidenceLow    ConfidenceBucket = "baixa"
)

type MatchReason string

const (
	ReasonCodeExact      MatchReason = "codigo_exato"
	ReasonDescription    MatchReason = "descricao_similar"
	ReasonSemantic       MatchReason = "semantica"
	ReasonHistoricalTune MatchReason = "ajuste_historico"
)

type FeedbackType string

const (
	FeedbackAccepted  FeedbackType = "aceito"
	FeedbackRejected  FeedbackType = "rejeitado"
	FeedbackCorrected FeedbackType = "corrigido"
)

type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueProcessed  QueueStatus = "processed"
	QueueFailed     QueueStatus = "failed"
)

type ImportSource string

const (
	SourceEmailText      ImportSource = "email_text"
	SourceEmailHTMLTable ImportSource = "email_html_table"
	SourceXLSX           ImportSource = "xlsx"
	SourcePDF            ImportSource = "pdf"
	SourceText           ImportSource = "text"
)

type Quotation struct {
	ID            string          `json:"id"`
	Number        string          `json:"numero"`
	CustomerTaxID *string         `json:"cliente_cnpj,omitempty"`
	PlatformID    *string         `json:"plataforma_id,omitempty"`
	Source        string          `json:"origem"`
	TotalItems    int             `json:"total_itens"`
	Status        QuotationStatus `json:"status_analise_ia"`
	Progress      int             `json:"progresso_analise_percent"`
	AnalyzedItems int             `json:"itens_analisados"`
	LastError     *string         `json:"erro,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"concluida_em,omitempty"`
}

type QuotationItem struct {
	ID                string       `json:"id"`
	QuotationID       string       `json:"cotacao_id"`
	LineNo            int          `json:"linha"`
	Description       string       `json:"descricao"`
	Code              *string      `json:"codigo,omitempty"`
	Qty               *float64     `json:"quantidade,omitempty"`
	Unit              *string      `json:"unidade,omitempty"`
	SelectedProductID *string      `json:"produto_selecionado_id,omitempty"`
	Score             *float64     `json:"score_confianca,omitempty"`
	Status            ItemStatus   `json:"status"`
	Suggestions       []Suggestion `json:"sugestoes,omitempty"`
	LastError         *string      `json:"erro,omitempty"`
	AnalyzedAt        *time.Time   `json:"analisado_em,omitempty"`
}

// Analyzed reports whether the item counts toward a quotation's analyzed total.
func (i QuotationItem) Analyzed() bool {
	return i.SelectedProductID != nil || i.Score != nil
}

type Product struct {
	ID                 string          `json:"id"`
	Description        string          `json:"descricao"`
	Code               *string         `json:"codigo,omitempty"`
	Unit               *string         `json:"unidade,omitempty"`
	Price              decimal.Decimal `json:"preco"`
	Stock              float64         `json:"estoque"`
	Embedding          []float32       `json:"-"`
	EmbeddingUpdatedAt *time.Time      `json:"embedding_atualizado_em,omitempty"`
	EmbeddingError     *string         `json:"embedding_erro,omitempty"`
	EmbeddingAttempts  int             `json:"embedding_tentativas"`
	RawJSON            string          `json:"-"`
}

// EmbeddingText is the text sent to the embedding API for a product.
func (p Product) EmbeddingText() string {
	if p.Code != nil && *p.Code != "" {
		return p.Description + " " + *p.Code
	}
	return p.Description
}

type Alternative struct {
	ProductID  string  `json:"produto_id"`
	Score      float64 `json:"score"`
	Difference string  `json:"diferenca"`
}

type Suggestion struct {
	ProductID     string           `json:"produto_id"`
	FinalScore    float64          `json:"score_final"`
	TokenScore    float64          `json:"score_token"`
	SemanticScore float64          `json:"score_semantico"`
	Adjustment    float64          `json:"ajuste_aplicado"`
	Justification string           `json:"justificativa"`
	Reasons       []MatchReason    `json:"motivos"`
	Confidence    ConfidenceBucket `json:"confianca"`
	Principal     bool             `json:"principal"`
	Alternatives  []Alternative    `json:"alternativas,omitempty"`
}

type Feedback struct {
	ID                 string         `json:"id"`
	ItemID             string         `json:"item_id"`
	SuggestedProductID string         `json:"produto_sugerido_id"`
	CorrectedProductID *string        `json:"produto_correto_id,omitempty"`
	Type               FeedbackType   `json:"tipo"`
	Accepted           bool           `json:"aceito"`
	RejectionReason    *string        `json:"motivo_rejeicao,omitempty"`
	OriginalScore      *float64       `json:"score_original,omitempty"`
	Context            map[string]any `json:"contexto,omitempty"`
	UserID             string         `json:"usuario_id"`
	CreatedAt          time.Time      `json:"created_at"`
}

type ScoreAdjustment struct {
	ID                 string     `json:"id"`
	DescriptionPattern *string    `json:"padrao_descricao,omitempty"`
	CodePattern        *string    `json:"padrao_codigo,omitempty"`
	ProductID          string     `json:"produto_id"`
	CustomerTaxID      *string    `json:"cliente_cnpj,omitempty"`
	PlatformID         *string    `json:"plataforma_id,omitempty"`
	Delta              float64    `json:"ajuste_score"`
	Notes              *string    `json:"observacoes,omitempty"`
	Active             bool       `json:"ativo"`
	UsageCount         int        `json:"uso_count"`
	LastUsedAt         *time.Time `json:"ultimo_uso,omitempty"`
	CreatedBy          *string    `json:"criado_por,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

type EmbeddingQueueEntry struct {
	ID          string      `json:"id"`
	ProductID   string      `json:"produto_id"`
	Status      QueueStatus `json:"status"`
	Attempts    int         `json:"tentativas"`
	Error       *string     `json:"erro,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	ClaimedAt   *time.Time  `json:"reivindicado_em,omitempty"`
	ProcessedAt *time.Time  `json:"processado_em,omitempty"`
}

type ImportedItem struct {
	LineNo  int
	Source  ImportSource
	RawLine string
	Name    *string
	Code    *string
	Qty     *float64
	Unit    *string
	Meta    map[string]any
}

type EmailRow struct {
	ID          int
	Provider    string
	MessageID   string
	Subject     string
	Sender      string
	ReceivedAt  string
	Hash        string
	Status      string
	RawRef      string
	QuotationID *string
}

type FetchedMailMessage struct {
	Provider   string
	MessageID  string
	Subject    string
	From       string
	ReceivedAt string
	Raw        []byte
}
