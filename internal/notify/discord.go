// Package notify delivers human-readable events to a Discord webhook.
// Senders never block on Discord: messages go through a bounded queue
// drained by one goroutine, and a full queue drops the message.
package notify

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jbeckert/crosswind/internal/metrics"
)

const (
	postTimeout = 5 * time.Second
	// Discord truncates at 2000 characters; stay under it.
	maxLength = 1900
)

// Discord posts queued messages to one webhook URL.
type Discord struct {
	http    *resty.Client
	url     string
	queue   chan string
	limiter *rate.Limiter
	metrics *metrics.Registry
	log     zerolog.Logger
	done    chan struct{}
}

// NewDiscord starts the sender goroutine. A nil metrics registry gets an
// unregistered one so callers never check.
func NewDiscord(webhookURL string, queueSize int, m *metrics.Registry, log zerolog.Logger) *Discord {
	if queueSize <= 0 {
		queueSize = 64
	}
	if m == nil {
		m = metrics.New(nil)
	}
	d := &Discord{
		http:  resty.New().SetTimeout(postTimeout),
		url:   webhookURL,
		queue: make(chan string, queueSize),
		// Webhooks are rate limited around 30 requests per minute.
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 5),
		metrics: m,
		log:     log.With().Str("service", "notify").Logger(),
		done:    make(chan struct{}),
	}
	go d.pump()
	return d
}

// Send queues a message without blocking. Messages over the Discord length
// limit are truncated; when the queue is full the message is dropped and
// counted.
func (d *Discord) Send(text string) {
	if text == "" {
		return
	}
	if len(text) > maxLength {
		text = text[:maxLength] + "..."
	}
	select {
	case d.queue <- text:
	default:
		d.metrics.NotifyDropped.Inc()
		d.log.Warn().Msg("notification queue full, message dropped")
	}
}

// Close drains the queue and stops the sender. No Send may run concurrently
// with or after Close.
func (d *Discord) Close() {
	close(d.queue)
	<-d.done
}

func (d *Discord) pump() {
	defer close(d.done)
	for text := range d.queue {
		if err := d.limiter.Wait(context.Background()); err != nil {
			return
		}
		d.post(text)
	}
}

func (d *Discord) post(text string) {
	resp, err := d.http.R().
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"content": text}).
		Post(d.url)
	if err != nil {
		d.log.Warn().Err(err).Msg("discord post failed")
		return
	}
	if resp.StatusCode() >= 300 {
		d.log.Warn().Int("status", resp.StatusCode()).Msg("discord rejected notification")
	}
}
