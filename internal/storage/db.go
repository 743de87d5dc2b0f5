package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"cotamatch/internal/apperr"
)

const timeLayout = "2006-01-02T15:04:05.000000Z"

type DB struct {
	conn *sql.DB
}

func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite has one writer; a single connection keeps claim/transition updates strictly serialized.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

func (d *DB) init() error {
	schema := `
CREATE TABLE IF NOT EXISTS products (
  id TEXT PRIMARY KEY,
  descricao TEXT NOT NULL,
  codigo TEXT,
  unidade TEXT,
  preco TEXT NOT NULL DEFAULT '0',
  estoque REAL NOT NULL DEFAULT 0,
  embedding TEXT,
  embedding_atualizado_em TEXT,
  embedding_erro TEXT,
  embedding_tentativas INTEGER NOT NULL DEFAULT 0,
  embedding_reivindicado_em TEXT,
  raw_json TEXT NOT NULL DEFAULT '{}',
  updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_products_codigo ON products(codigo);

CREATE TABLE IF NOT EXISTS quotations (
  id TEXT PRIMARY KEY,
  numero TEXT NOT NULL DEFAULT '',
  cliente_cnpj TEXT,
  plataforma_id TEXT,
  origem TEXT NOT NULL DEFAULT '',
  total_itens INTEGER NOT NULL DEFAULT 0,
  status_analise_ia TEXT NOT NULL DEFAULT 'pendente',
  progresso_analise_percent INTEGER NOT NULL DEFAULT 0,
  itens_analisados INTEGER NOT NULL DEFAULT 0,
  erro TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  concluida_em TEXT
);
CREATE INDEX IF NOT EXISTS idx_quotations_status ON quotations(status_analise_ia, created_at);

CREATE TABLE IF NOT EXISTS quotation_items (
  id TEXT PRIMARY KEY,
  cotacao_id TEXT NOT NULL,
  linha INTEGER NOT NULL,
  descricao TEXT NOT NULL,
  codigo TEXT,
  quantidade REAL,
  unidade TEXT,
  produto_selecionado_id TEXT,
  score_confianca REAL,
  status TEXT NOT NULL DEFAULT 'pendente',
  sugestoes TEXT NOT NULL DEFAULT '[]',
  erro TEXT,
  analisado_em TEXT,
  FOREIGN KEY(cotacao_id) REFERENCES quotations(id)
);
CREATE INDEX IF NOT EXISTS idx_items_cotacao ON quotation_items(cotacao_id, linha);

CREATE TABLE IF NOT EXISTS feedback (
  id TEXT PRIMARY KEY,
  item_id TEXT NOT NULL,
  produto_sugerido_id TEXT NOT NULL,
  produto_correto_id TEXT,
  tipo TEXT NOT NULL,
  aceito INTEGER NOT NULL,
  motivo_rejeicao TEXT,
  score_original REAL,
  contexto TEXT NOT NULL DEFAULT '{}',
  padrao_descricao TEXT,
  padrao_codigo TEXT,
  cliente_cnpj TEXT,
  usuario_id TEXT NOT NULL,
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_item ON feedback(item_id);

CREATE TABLE IF NOT EXISTS score_adjustments (
  id TEXT PRIMARY KEY,
  padrao_descricao TEXT,
  padrao_codigo TEXT,
  produto_id TEXT NOT NULL,
  cliente_cnpj TEXT,
  plataforma_id TEXT,
  ajuste_score REAL NOT NULL,
  observacoes TEXT,
  ativo INTEGER NOT NULL DEFAULT 1,
  uso_count INTEGER NOT NULL DEFAULT 0,
  ultimo_uso TEXT,
  criado_por TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_adjustments_ativo ON score_adjustments(ativo);

CREATE TABLE IF NOT EXISTS embedding_queue (
  id TEXT PRIMARY KEY,
  produto_id TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  tentativas INTEGER NOT NULL DEFAULT 0,
  erro TEXT,
  created_at TEXT NOT NULL,
  reivindicado_em TEXT,
  processado_em TEXT
);
CREATE INDEX IF NOT EXISTS idx_embedding_queue_status ON embedding_queue(status, created_at);

CREATE TABLE IF NOT EXISTS emails (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  provider TEXT NOT NULL,
  messageId TEXT NOT NULL,
  subject TEXT,
  sender TEXT,
  receivedAt TEXT,
  hash TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'fetched',
  rawRef TEXT NOT NULL,
  quotationId TEXT,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(provider, messageId)
);

CREATE TABLE IF NOT EXISTS runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  traceId TEXT NOT NULL,
  quotationId TEXT,
  kind TEXT NOT NULL,
  timingsJson TEXT NOT NULL,
  countsJson TEXT NOT NULL,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS metadata (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

	_, err := d.conn.Exec(schema)
	return err
}

func (d *DB) InsertRun(ctx context.Context, traceID, quotationID, kind string, timings map[string]float64, counts map[string]int) error {
	timingsJSON, _ := json.Marshal(timings)
	countsJSON, _ := json.Marshal(counts)
	_, err := d.conn.ExecContext(ctx, `INSERT INTO runs (traceId, quotationId, kind, timingsJson, countsJson) VALUES (?, ?, ?, ?, ?)`,
		traceID, nullString(quotationID), kind, string(timingsJSON), string(countsJSON))
	return err
}

func (d *DB) SetMetadata(ctx context.Context, key, value string) error {
	_, err := d.conn.ExecContext(ctx, `
INSERT INTO metadata (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updatedAt = CURRENT_TIMESTAMP
`, key, value)
	return err
}

func (d *DB) GetMetadata(ctx context.Context, key string) (*string, error) {
	var value string
	err := d.conn.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &value, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(value string) time.Time {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		if t2, err2 := time.Parse(time.RFC3339Nano, value); err2 == nil {
			return t2.UTC()
		}
		return time.Time{}
	}
	return t
}

func parseNullTime(value sql.NullString) *time.Time {
	if !value.Valid || value.String == "" {
		return nil
	}
	t := parseTime(value.String)
	return &t
}

func nullString(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return nullString(*v)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, v)
	}
	return out
}

func requireRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, apperr.ErrNotFound)
	}
	return nil
}
