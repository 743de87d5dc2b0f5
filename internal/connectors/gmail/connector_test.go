package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"cotamatch/internal/apperr"
)

const rawMessage = "From: compras@alfa.example.com\r\nSubject: Cotacao\r\n\r\nParafuso M10 100 un\r\n"

func fakeGmail(t *testing.T, fail bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			http.Error(w, `{"error":{"code":403,"message":"insufficient scope"}}`, http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/users/me/messages"):
			assert.Equal(t, "INBOX", r.URL.Query().Get("labelIds"))
			_ = json.NewEncoder(w).Encode(map[string]any{"messages": []map[string]string{{"id": "m1"}, {"id": "m2"}}})
		case strings.HasSuffix(r.URL.Path, "/users/me/messages/m1") && r.URL.Query().Get("format") == "raw":
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "m1", "raw": base64.RawURLEncoding.EncodeToString([]byte(rawMessage))})
		case strings.HasSuffix(r.URL.Path, "/users/me/messages/m1"):
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "m1", "payload": map[string]any{"headers": []map[string]string{
				{"name": "Subject", "value": "Cotacao"},
				{"name": "From", "value": "compras@alfa.example.com"},
				{"name": "Date", "value": "Mon, 2 Mar 2026 09:12:00 -0300 (BRT)"},
				{"name": "Message-ID", "value": "<m1@alfa.example.com>"},
			}}})
		case strings.HasSuffix(r.URL.Path, "/users/me/messages/m2"):
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "m2"})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestFetchInbox(t *testing.T) {
	srv := fakeGmail(t, false)
	defer srv.Close()

	c, err := newConnector(context.Background(), option.WithHTTPClient(srv.Client()), option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)

	msgs, err := c.FetchInbox(context.Background(), "INBOX", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "messages without raw payload are skipped")
	assert.Equal(t, "gmail", msgs[0].Provider)
	assert.Equal(t, "<m1@alfa.example.com>", msgs[0].MessageID)
	assert.Equal(t, "Cotacao", msgs[0].Subject)
	assert.Equal(t, "2026-03-02T12:12:00Z", msgs[0].ReceivedAt)
	assert.Equal(t, rawMessage, string(msgs[0].Raw))
}

func TestFetchInboxWrapsAPIErrors(t *testing.T) {
	srv := fakeGmail(t, true)
	defer srv.Close()

	c, err := newConnector(context.Background(), option.WithHTTPClient(srv.Client()), option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)

	_, err = c.FetchInbox(context.Background(), "INBOX", 10)
	require.Error(t, err)
	assert.True(t, apperr.IsDependency(err))
}

func TestDecodeBase64URLAcceptsPadding(t *testing.T) {
	padded := base64.URLEncoding.EncodeToString([]byte("ab"))
	out, err := decodeBase64URL(padded)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(out))

	_, err = decodeBase64URL("***")
	assert.Error(t, err)
}

func TestParseMailDate(t *testing.T) {
	got, err := parseMailDate("Tue, 3 Mar 2026 08:00:00 +0000 (UTC)")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)))

	_, err = parseMailDate("ontem")
	assert.Error(t, err)
}
