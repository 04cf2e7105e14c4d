package mattermost

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimd54/contribution-ledger/internal/config"
	"github.com/aimd54/contribution-ledger/internal/models"
	"github.com/aimd54/contribution-ledger/pkg/logger"
)

func newTestServer(t *testing.T, status int) (*httptest.Server, chan Message) {
	t.Helper()
	received := make(chan Message, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var msg Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		received <- msg
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, received
}

func TestNotifyDeadLetter(t *testing.T) {
	server, received := newTestServer(t, http.StatusOK)
	client := NewClient(&config.MattermostConfig{
		WebhookURL: server.URL,
		Channel:    "ledger-ops",
		Enabled:    true,
	}, logger.Nop())

	err := client.NotifyDeadLetter(context.Background(), &models.DeadLetter{
		ID:         7,
		FactID:     "delivery-1",
		FactType:   "merge",
		ErrorClass: "transient",
		Reason:     "could not serialize access",
		Attempts:   4,
	})
	require.NoError(t, err)

	msg := <-received
	assert.Equal(t, "ledger-ops", msg.Channel)
	assert.Equal(t, botUsername, msg.Username)
	assert.Contains(t, msg.Text, "merge")
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, colorDanger, msg.Attachments[0].Color)
	assert.Contains(t, msg.Attachments[0].Text, "could not serialize access")
	assert.Equal(t, "4", msg.Attachments[0].Fields[2].Value)
	assert.Equal(t, "#7", msg.Attachments[0].Fields[3].Value)
}

func TestNotifyDeadLetter_InvalidUsesWarningColor(t *testing.T) {
	server, received := newTestServer(t, http.StatusOK)
	client := NewClient(&config.MattermostConfig{WebhookURL: server.URL, Enabled: true}, logger.Nop())

	require.NoError(t, client.NotifyDeadLetter(context.Background(), &models.DeadLetter{ErrorClass: "invalid"}))
	msg := <-received
	assert.Equal(t, colorWarning, msg.Attachments[0].Color)
}

func TestSendMessage_Disabled(t *testing.T) {
	client := NewClient(&config.MattermostConfig{WebhookURL: "http://127.0.0.1:1", Enabled: false}, logger.Nop())
	assert.NoError(t, client.SendMessage(context.Background(), &Message{Text: "hello"}))
}

func TestSendMessage_ErrorStatus(t *testing.T) {
	server, _ := newTestServer(t, http.StatusInternalServerError)
	client := NewClient(&config.MattermostConfig{WebhookURL: server.URL, Enabled: true}, logger.Nop())

	err := client.SendMessage(context.Background(), &Message{Text: "hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestSendSweeperSummary(t *testing.T) {
	server, received := newTestServer(t, http.StatusOK)
	client := NewClient(&config.MattermostConfig{WebhookURL: server.URL, Enabled: true}, logger.Nop())

	// Nothing to report.
	require.NoError(t, client.SendSweeperSummary(context.Background(), 0, 0, time.Second))

	require.NoError(t, client.SendSweeperSummary(context.Background(), 3, 1, 1500*time.Millisecond))
	msg := <-received
	assert.Contains(t, msg.Text, "**3**")
	assert.Contains(t, msg.Text, "1 contribution(s) failed")
}
