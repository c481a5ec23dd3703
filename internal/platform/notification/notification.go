// Package notification renders and dispatches patient-facing messages, chiefly
// consent requests. Delivery is asynchronous and best-effort: callers enqueue
// and move on, failures surface on Errors().
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

type Notification struct {
	ID          string            `json:"id"`
	Channel     Channel           `json:"channel"`
	Recipient   string            `json:"recipient"`
	Subject     string            `json:"subject,omitempty"`
	Body        string            `json:"body"`
	TemplateID  string            `json:"template_id,omitempty"`
	PatientUUID string            `json:"patient_uuid,omitempty"`
	ConsentID   string            `json:"consent_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	Attempts    int               `json:"attempts"`
}

// Sender delivers one notification.
type Sender interface {
	Send(ctx context.Context, n *Notification) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, n *Notification) error

func (f SenderFunc) Send(ctx context.Context, n *Notification) error { return f(ctx, n) }

// -- Templates --

type Template struct {
	ID      string
	Subject string
	Body    string
	Channel Channel
}

const (
	TemplateConsentRequest = "consent-request"
	TemplateConsentGranted = "consent-granted"
)

type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	e.Register(Template{
		ID:      TemplateConsentRequest,
		Subject: "Request to share your records with {{target_facility}}",
		Body: "Dear {{patient_name}}, {{target_facility}} has asked to view your records held at " +
			"{{source_facility}} for: {{purpose}}. Please contact {{target_facility}} to approve or decline. Ref {{consent_id}}.",
		Channel: ChannelSMS,
	})
	e.Register(Template{
		ID:      TemplateConsentGranted,
		Subject: "Record sharing approved",
		Body:    "Dear {{patient_name}}, you approved {{target_facility}} to view your records until {{expiry_date}}. Ref {{consent_id}}.",
		Channel: ChannelSMS,
	})
	return e
}

func (e *TemplateEngine) Register(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render substitutes {{key}} placeholders. Unknown keys are left in place.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (Template, error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return Template{}, fmt.Errorf("template %q not found", templateID)
	}
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		t.Subject = strings.ReplaceAll(t.Subject, placeholder, v)
		t.Body = strings.ReplaceAll(t.Body, placeholder, v)
	}
	return t, nil
}

// -- Dispatcher --

var ErrQueueFull = errors.New("notification queue full")

// ConsentRequest is what the consent service hands over when a new request
// cycle starts.
type ConsentRequest struct {
	ConsentID      string
	PatientUUID    string
	PatientName    string
	Recipient      string
	SourceFacility string
	TargetFacility string
	Purpose        string
}

type DispatcherConfig struct {
	QueueSize   int
	Workers     int
	MaxAttempts int
	SendTimeout time.Duration
	Backoff     time.Duration
}

// Dispatcher renders templates and delivers through a Sender on background
// workers.
type Dispatcher struct {
	cfg       DispatcherConfig
	sender    Sender
	templates *TemplateEngine
	logger    zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan *Notification
	errs   chan error
	wg     sync.WaitGroup
	onSent func(ok bool)
}

func NewDispatcher(cfg DispatcherConfig, sender Sender, templates *TemplateEngine, logger zerolog.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	d := &Dispatcher{
		cfg:       cfg,
		sender:    sender,
		templates: templates,
		logger:    logger,
		queue:     make(chan *Notification, cfg.QueueSize),
		errs:      make(chan error, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// OnResult registers a callback invoked after each delivery attempt chain.
// Must be called before the first Enqueue.
func (d *Dispatcher) OnResult(fn func(ok bool)) {
	d.onSent = fn
}

// Errors carries delivery failures. Unread errors are dropped once the buffer
// fills.
func (d *Dispatcher) Errors() <-chan error {
	return d.errs
}

// ConsentRequested renders the consent-request template and enqueues it.
func (d *Dispatcher) ConsentRequested(_ context.Context, req ConsentRequest) error {
	t, err := d.templates.Render(TemplateConsentRequest, map[string]string{
		"patient_name":    req.PatientName,
		"target_facility": req.TargetFacility,
		"source_facility": req.SourceFacility,
		"purpose":         req.Purpose,
		"consent_id":      req.ConsentID,
	})
	if err != nil {
		return err
	}
	return d.Enqueue(&Notification{
		Channel:     t.Channel,
		Recipient:   req.Recipient,
		Subject:     t.Subject,
		Body:        t.Body,
		TemplateID:  TemplateConsentRequest,
		PatientUUID: req.PatientUUID,
		ConsentID:   req.ConsentID,
	})
}

// Enqueue never blocks. It returns ErrQueueFull when the buffer is full.
func (d *Dispatcher) Enqueue(n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return errors.New("notification dispatcher closed")
	}
	select {
	case d.queue <- n:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for n := range d.queue {
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n *Notification) {
	var err error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		n.Attempts = attempt
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
		err = d.sender.Send(ctx, n)
		cancel()
		if err == nil {
			break
		}
		if attempt < d.cfg.MaxAttempts {
			time.Sleep(d.cfg.Backoff * time.Duration(attempt))
		}
	}

	if d.onSent != nil {
		d.onSent(err == nil)
	}
	if err == nil {
		return
	}

	d.logger.Error().Err(err).
		Str("notification_id", n.ID).
		Str("consent_id", n.ConsentID).
		Int("attempts", n.Attempts).
		Msg("notification delivery failed")
	select {
	case d.errs <- fmt.Errorf("deliver notification %s: %w", n.ID, err):
	default:
	}
}

// Close stops accepting work and waits for queued notifications to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
