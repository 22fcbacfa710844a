package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_SinksFromConfig_BuildsOnlyConfiguredSinks(t *testing.T) {
	t.Parallel()

	assert.Empty(t, SinksFromConfig(Config{}))

	discordOnly := SinksFromConfig(Config{DiscordWebhookURL: "https://discord.example/webhook"})
	require.Len(t, discordOnly, 1)
	assert.Equal(t, "Discord", discordOnly[0].Name())

	// Pushover needs both halves of its credential pair
	assert.Empty(t, SinksFromConfig(Config{PushoverAPIToken: "token"}))

	both := SinksFromConfig(Config{
		DiscordWebhookURL: "https://discord.example/webhook",
		PushoverAPIToken:  "token",
		PushoverUserKey:   "user",
	})
	assert.Len(t, both, 2)
}

func Test_SummaryMessage(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		"Transcode queue drained: 3 job(s) completed.",
		summaryMessage(Summary{Completed: 3}))
	assert.Equal(t,
		"Transcode queue drained: 2 job(s) completed, 1 failed.",
		summaryMessage(Summary{Completed: 2, Failed: 1}))
}

func Test_DiscordSink_PostsSummary(t *testing.T) {
	t.Parallel()

	var received struct {
		Content string `json:"content"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	sink := &discordSink{webhookURL: server.URL, client: server.Client()}
	require.NoError(t, sink.Notify(context.Background(), Summary{Completed: 5, Failed: 2}))

	assert.Equal(t, "Transcode queue drained: 5 job(s) completed, 2 failed.", received.Content)
}

func Test_DiscordSink_ErrorStatusPropagates(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such webhook", http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	sink := &discordSink{webhookURL: server.URL, client: server.Client()}
	assert.Error(t, sink.Notify(context.Background(), Summary{Completed: 1}))
}

func Test_PushoverSink_PostsCredentialsAndMessage(t *testing.T) {
	t.Parallel()

	var received map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	sink := &pushoverSink{token: "app-token", userKey: "user-key", client: server.Client()}
	sink.endpoint = server.URL
	require.NoError(t, sink.Notify(context.Background(), Summary{Completed: 1}))

	assert.Equal(t, "app-token", received["token"])
	assert.Equal(t, "user-key", received["user"])
	assert.Equal(t, "Crunch", received["title"])
	assert.Equal(t, "Transcode queue drained: 1 job(s) completed.", received["message"])
}

// NotifyAll must attempt every sink even when an earlier one fails.
func Test_NotifyAll_ToleratesFailingSink(t *testing.T) {
	t.Parallel()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	t.Cleanup(broken.Close)

	delivered := 0
	working := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered++
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(working.Close)

	sinks := []Sink{
		&discordSink{webhookURL: broken.URL, client: broken.Client()},
		&discordSink{webhookURL: working.URL, client: working.Client()},
	}

	NotifyAll(context.Background(), sinks, Summary{Completed: 1})
	assert.Equal(t, 1, delivered)
}
