package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/smtp"
	"time"
)

// Sink delivers a single notification. Delivery failures are logged and
// dropped; notifications are advisory, not durable.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
	Name() string
}

// LogSink writes notifications to the structured log. Always configured so
// every notification leaves at least one trace.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, n Notification) error {
	s.Logger.Warn("notification",
		slog.String("type", string(n.Type)),
		slog.String("credential_id", n.CredentialID),
		slog.String("provider", n.Provider),
		slog.String("feature", n.Feature),
		slog.String("reason", n.Reason),
		slog.String("message", n.Message),
	)
	return nil
}

// WebhookSink POSTs the notification JSON to a configured URL.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, n Notification) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(n.JSON()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// EmailSink sends plain-text alert mail over SMTP.
type EmailSink struct {
	Addr string // host:port
	From string
	To   []string
}

func (s *EmailSink) Name() string { return "email" }

func (s *EmailSink) Deliver(_ context.Context, n Notification) error {
	subject := fmt.Sprintf("[medrouter] %s", n.Type)
	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: application/json\r\n\r\n%s\r\n",
		s.From, s.To[0], subject, n.JSON())
	return smtp.SendMail(s.Addr, nil, s.From, s.To, []byte(body))
}

// Dispatcher drains the bus in the background and fans each notification out
// to the configured sinks.
type Dispatcher struct {
	bus    *Bus
	sinks  []Sink
	logger *slog.Logger
	sub    *Subscriber
	stop   chan struct{}
	done   chan struct{}
}

func NewDispatcher(bus *Bus, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		bus:    bus,
		sinks:  sinks,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins draining. Call Stop to shut down.
func (d *Dispatcher) Start() {
	d.sub = d.bus.Subscribe(256)
	go d.loop()
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		case n := <-d.sub.C:
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			for _, sink := range d.sinks {
				if err := sink.Deliver(ctx, n); err != nil {
					d.logger.Error("notification delivery failed",
						slog.String("sink", sink.Name()),
						slog.String("type", string(n.Type)),
						slog.String("error", err.Error()))
				}
			}
			cancel()
		}
	}
}

// Stop shuts the dispatcher down and waits for the loop to exit.
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.done
	d.bus.Unsubscribe(d.sub)
}
