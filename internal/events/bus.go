// Package events carries analysis progress to subscribers over a per-quotation topic.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cotamatch/internal"
	"cotamatch/internal/config"
	"cotamatch/internal/logger"
)

const (
	AnalysisProgress  = "analise-progresso"
	AnalysisCompleted = "analise-concluida"
	AnalysisFailed    = "analise-erro"
)

type Event struct {
	Topic string          `json:"topic"`
	Name  string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    time.Time       `json:"at"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

func NewEvent(name string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return Event{Name: name, Data: raw, At: time.Now().UTC()}, nil
}

type Handler func(Event)

// Bus delivers events at least once to the handlers subscribed to a topic, in publish order.
type Bus interface {
	Publish(ctx context.Context, topic string, ev Event) error
	Subscribe(ctx context.Context, topic string, h Handler) (unsubscribe func(), err error)
	Close() error
}

func QuotationTopic(quotationID string) string {
	return "cotacao:" + quotationID
}

type ItemDetail struct {
	ItemID    string              `json:"item_id"`
	Status    internal.ItemStatus `json:"status"`
	ProductID *string             `json:"produto_id,omitempty"`
	Score     *float64            `json:"score,omitempty"`
	Error     *string             `json:"erro,omitempty"`
}

// Progress is the payload of all three analysis events.
type Progress struct {
	QuotationID   string                   `json:"cotacao_id"`
	TotalItems    int                      `json:"total_itens"`
	AnalyzedItems int                      `json:"itens_analisados"`
	PendingItems  int                      `json:"itens_pendentes"`
	Percent       int                      `json:"progresso"`
	Status        internal.QuotationStatus `json:"status"`
	Items         []ItemDetail             `json:"itens,omitempty"`
	Error         string                   `json:"erro,omitempty"`
}

// New returns a redis bus when REDIS_ADDR is set and an in-process bus otherwise.
func New(cfg config.Config, log *logger.Logger) (Bus, error) {
	if cfg.RedisAddr == "" {
		return NewMemoryBus(), nil
	}
	return NewRedisBus(cfg.RedisAddr, cfg.RedisChannelPrefix, log)
}
