// Package notify delivers queue-drain notifications to external sinks. The
// scheduler invokes every configured sink exactly once each time the queue
// becomes quiescent with new completions to report.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hbomb79/Crunch/pkg/logger"
)

var log = logger.Get("Notify")

// Summary is the tally handed to each sink when the queue drains.
type Summary struct {
	Completed int
	Failed    int
}

type Sink interface {
	Name() string
	Notify(context.Context, Summary) error
}

type Config struct {
	DiscordWebhookURL string `yaml:"discord_webhook_url" env:"DISCORD_WEBHOOK_URL"`
	PushoverAPIToken  string `yaml:"pushover_api_token" env:"PUSHOVER_API_TOKEN"`
	PushoverUserKey   string `yaml:"pushover_user_key" env:"PUSHOVER_USER_KEY"`
}

// SinksFromConfig constructs a sink per configured destination; unset
// destinations are simply absent from the result.
func SinksFromConfig(config Config) []Sink {
	sinks := make([]Sink, 0, 2)
	if config.DiscordWebhookURL != "" {
		sinks = append(sinks, &discordSink{webhookURL: config.DiscordWebhookURL, client: newClient()})
	}
	if config.PushoverAPIToken != "" && config.PushoverUserKey != "" {
		sinks = append(sinks, &pushoverSink{token: config.PushoverAPIToken, userKey: config.PushoverUserKey, client: newClient()})
	}

	return sinks
}

// NotifyAll fans the summary out to every sink, logging (not propagating)
// individual failures - a broken webhook must never disturb the scheduler.
func NotifyAll(ctx context.Context, sinks []Sink, summary Summary) {
	for _, sink := range sinks {
		if err := sink.Notify(ctx, summary); err != nil {
			log.Emit(logger.WARNING, "Failed to deliver notification via %s: %v\n", sink.Name(), err)
		} else {
			log.Emit(logger.SUCCESS, "Queue-drain notification delivered via %s\n", sink.Name())
		}
	}
}

func newClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func summaryMessage(summary Summary) string {
	if summary.Failed == 0 {
		return fmt.Sprintf("Transcode queue drained: %d job(s) completed.", summary.Completed)
	}

	return fmt.Sprintf("Transcode queue drained: %d job(s) completed, %d failed.", summary.Completed, summary.Failed)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode >= 300 {
		return fmt.Errorf("unexpected response status %s", response.Status)
	}

	return nil
}
