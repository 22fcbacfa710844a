package notify

import (
	"context"
	"net/http"
)

const pushoverEndpoint = "https://api.pushover.net/1/messages.json"

type pushoverSink struct {
	token   string
	userKey string
	client  *http.Client

	// endpoint overrides the live API address; tests point it at a local server
	endpoint string
}

func (sink *pushoverSink) Name() string { return "Pushover" }

func (sink *pushoverSink) Notify(ctx context.Context, summary Summary) error {
	payload := struct {
		Token   string `json:"token"`
		User    string `json:"user"`
		Title   string `json:"title"`
		Message string `json:"message"`
	}{
		Token:   sink.token,
		User:    sink.userKey,
		Title:   "Crunch",
		Message: summaryMessage(summary),
	}

	endpoint := sink.endpoint
	if endpoint == "" {
		endpoint = pushoverEndpoint
	}

	return postJSON(ctx, sink.client, endpoint, payload)
}
