package notify

import (
	"context"
	"net/http"
)

type discordSink struct {
	webhookURL string
	client     *http.Client
}

func (sink *discordSink) Name() string { return "Discord" }

func (sink *discordSink) Notify(ctx context.Context, summary Summary) error {
	payload := struct {
		Content string `json:"content"`
	}{Content: summaryMessage(summary)}

	return postJSON(ctx, sink.client, sink.webhookURL, payload)
}
