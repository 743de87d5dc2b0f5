package imap

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cotamatch/internal/apperr"
	"cotamatch/internal/config"
)

const quoteMessage = "From: Compras <compras@alfa.example.com>\r\n" +
	"To: vendas@example.com\r\n" +
	"Subject: Cotacao pedido 4471\r\n" +
	"Message-ID: <pedido-4471@alfa.example.com>\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Parafuso sextavado M10 100 un\r\n"

func startServer(t *testing.T) string {
	t.Helper()
	s := server.New(memory.New())
	s.AllowInsecureAuth = true
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() { _ = s.Close() })
	return l.Addr().String()
}

func appendMessage(t *testing.T, addr string) {
	t.Helper()
	c, err := imapclient.Dial(addr)
	require.NoError(t, err)
	defer c.Logout()
	require.NoError(t, c.Login("username", "password"))
	require.NoError(t, c.Append("INBOX", nil, time.Now(), bytes.NewBufferString(quoteMessage)))
}

func TestFetchInboxMarksSeen(t *testing.T) {
	addr := startServer(t)
	appendMessage(t, addr)

	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	cfg := config.Config{IMAPHost: host, IMAPUser: "username", IMAPPassword: "password", IMAPMarkSeen: true}
	cfg.IMAPPort, err = strconv.Atoi(port)
	require.NoError(t, err)

	c, err := NewConnector(cfg)
	require.NoError(t, err)

	msgs, err := c.FetchInbox(context.Background(), "INBOX", 10)
	require.NoError(t, err)
	var found bool
	for _, m := range msgs {
		if m.MessageID == "<pedido-4471@alfa.example.com>" {
			found = true
			assert.Equal(t, "imap", m.Provider)
			assert.Equal(t, "Cotacao pedido 4471", m.Subject)
			assert.Equal(t, "Compras <compras@alfa.example.com>", m.From)
			assert.Equal(t, quoteMessage, string(m.Raw))
		}
	}
	assert.True(t, found)

	again, err := c.FetchInbox(context.Background(), "INBOX", 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestFetchInboxBadCredentials(t *testing.T) {
	addr := startServer(t)
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	cfg := config.Config{IMAPHost: host, IMAPUser: "username", IMAPPassword: "wrong"}
	cfg.IMAPPort, err = strconv.Atoi(port)
	require.NoError(t, err)

	c, err := NewConnector(cfg)
	require.NoError(t, err)
	_, err = c.FetchInbox(context.Background(), "INBOX", 10)
	require.Error(t, err)
	assert.True(t, apperr.IsDependency(err))
}

func TestNewConnectorRequiresSettings(t *testing.T) {
	_, err := NewConnector(config.Config{IMAPHost: "mail.example.com"})
	assert.Error(t, err)
}
