package notification

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"
)

type recordingSender struct {
	mu    sync.Mutex
	sent  []*Notification
	fails int32
}

func (r *recordingSender) Send(_ context.Context, n *Notification) error {
	if atomic.AddInt32(&r.fails, -1) >= 0 {
		return errors.New("gateway unavailable")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func fastConfig() DispatcherConfig {
	return DispatcherConfig{QueueSize: 8, Workers: 1, MaxAttempts: 3, Backoff: time.Millisecond}
}

func TestTemplateEngine_RenderConsentRequest(t *testing.T) {
	e := NewTemplateEngine()
	tpl, err := e.Render(TemplateConsentRequest, map[string]string{
		"patient_name":    "Thandi",
		"target_facility": "Facility B",
		"source_facility": "Facility A",
		"purpose":         "follow-up",
		"consent_id":      "c-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(tpl.Body, "Dear Thandi") || !strings.Contains(tpl.Body, "Facility A") {
		t.Errorf("unexpected body: %s", tpl.Body)
	}
	if strings.Contains(tpl.Body, "{{") {
		t.Errorf("expected all placeholders replaced: %s", tpl.Body)
	}
}

func TestTemplateEngine_UnknownTemplate(t *testing.T) {
	if _, err := NewTemplateEngine().Render("nope", nil); err == nil {
		t.Fatal("expected error for unknown template")
	}
}

func TestDispatcher_DeliversConsentRequest(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(fastConfig(), sender, NewTemplateEngine(), zerolog.Nop())

	err := d.ConsentRequested(context.Background(), ConsentRequest{
		ConsentID:      "c-1",
		PatientUUID:    "ZA-GP-abc-01",
		TargetFacility: "Facility B",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d.Close()

	if sender.count() != 1 {
		t.Fatalf("expected 1 delivery, got %d", sender.count())
	}
	if sender.sent[0].ConsentID != "c-1" || sender.sent[0].ID == "" {
		t.Errorf("unexpected notification: %+v", sender.sent[0])
	}
}

func TestDispatcher_RetriesThenSucceeds(t *testing.T) {
	sender := &recordingSender{fails: 2}
	d := NewDispatcher(fastConfig(), sender, NewTemplateEngine(), zerolog.Nop())
	var okCount int32
	d.OnResult(func(ok bool) {
		if ok {
			atomic.AddInt32(&okCount, 1)
		}
	})

	d.Enqueue(&Notification{Body: "hi"})
	d.Close()

	if sender.count() != 1 {
		t.Fatalf("expected delivery after retries, got %d", sender.count())
	}
	if sender.sent[0].Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", sender.sent[0].Attempts)
	}
	if atomic.LoadInt32(&okCount) != 1 {
		t.Errorf("expected one ok result, got %d", okCount)
	}
}

func TestDispatcher_FailureReportedOnErrors(t *testing.T) {
	sender := &recordingSender{fails: 10}
	d := NewDispatcher(fastConfig(), sender, NewTemplateEngine(), zerolog.Nop())
	d.Enqueue(&Notification{Body: "hi"})
	d.Close()

	select {
	case err := <-d.Errors():
		if !strings.Contains(err.Error(), "gateway unavailable") {
			t.Errorf("unexpected error: %v", err)
		}
	default:
		t.Fatal("expected delivery error on Errors()")
	}
}

func TestDispatcher_QueueFull(t *testing.T) {
	block := make(chan struct{})
	sender := SenderFunc(func(ctx context.Context, n *Notification) error {
		<-block
		return nil
	})
	d := NewDispatcher(DispatcherConfig{QueueSize: 1, Workers: 1}, sender, NewTemplateEngine(), zerolog.Nop())

	// First is picked up by the worker, second fills the buffer.
	d.Enqueue(&Notification{})
	var err error
	for i := 0; i < 3; i++ {
		if err = d.Enqueue(&Notification{}); err != nil {
			break
		}
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	close(block)
	d.Close()
}

func TestDispatcher_EnqueueAfterClose(t *testing.T) {
	d := NewDispatcher(fastConfig(), &recordingSender{}, NewTemplateEngine(), zerolog.Nop())
	d.Close()
	if err := d.Enqueue(&Notification{}); err == nil {
		t.Fatal("expected error after close")
	}
	d.Close()
}

type fakeSQS struct {
	in  *sqs.SendMessageInput
	err error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.in = in
	return &sqs.SendMessageOutput{}, f.err
}

func TestSQSSender_Send(t *testing.T) {
	fake := &fakeSQS{}
	s := &SQSSender{client: fake, queueURL: "https://sqs.local/queue/consent"}

	err := s.Send(context.Background(), &Notification{ID: "n-1", Channel: ChannelSMS, TemplateID: TemplateConsentRequest, ConsentID: "c-9"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *fake.in.QueueUrl != "https://sqs.local/queue/consent" {
		t.Errorf("unexpected queue url %s", *fake.in.QueueUrl)
	}
	var n Notification
	if err := json.Unmarshal([]byte(*fake.in.MessageBody), &n); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if n.ConsentID != "c-9" {
		t.Errorf("expected consent c-9, got %s", n.ConsentID)
	}
	if *fake.in.MessageAttributes["channel"].StringValue != "sms" {
		t.Error("expected channel attribute sms")
	}
}

func TestSQSSender_Error(t *testing.T) {
	s := &SQSSender{client: &fakeSQS{err: errors.New("throttled")}, queueURL: "q"}
	if err := s.Send(context.Background(), &Notification{}); err == nil {
		t.Fatal("expected error")
	}
}
