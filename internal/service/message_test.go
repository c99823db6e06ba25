package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/agentrelay/internal/config"
	"github.com/Strob0t/agentrelay/internal/domain"
	"github.com/Strob0t/agentrelay/internal/domain/message"
	"github.com/Strob0t/agentrelay/internal/port/database"
	"github.com/Strob0t/agentrelay/internal/port/messagequeue"
)

func appendText(t *testing.T, f *fixture, topicID, taskID, text string) *message.TaskMessage {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{"text": text})
	m, err := f.messages.Append(orgCtx(), message.AppendRequest{
		TopicID: topicID, TaskID: taskID, SenderType: message.SenderAssistant, Payload: payload,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return m
}

func TestMessageAppendSequencesPerTask(t *testing.T) {
	f := newFixture(t)
	tp := f.createTopic(t)

	for i := 1; i <= 3; i++ {
		if m := appendText(t, f, tp.ID, "t1", "x"); m.SeqID != int64(i) {
			t.Fatalf("message %d got seq %d", i, m.SeqID)
		}
	}
	if m := appendText(t, f, tp.ID, "t2", "y"); m.SeqID != 1 {
		t.Fatalf("a new task starts at seq 1, got %d", m.SeqID)
	}
}

func TestMessageAppendConcurrent(t *testing.T) {
	f := newFixture(t)
	tp := f.createTopic(t)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.messages.Append(orgCtx(), message.AppendRequest{
				TopicID: tp.ID, TaskID: "t1", SenderType: message.SenderAssistant, Payload: json.RawMessage(`{}`),
			})
		}()
	}
	wg.Wait()

	got, err := f.messages.List(orgCtx(), tp.ID, "t1", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 50 {
		t.Fatalf("expected 50 messages, got %d", len(got))
	}
	for i := range got {
		if got[i].SeqID != int64(i+1) {
			t.Fatalf("gap or duplicate at %d: seq %d", i, got[i].SeqID)
		}
	}
}

func TestMessageAppendValidation(t *testing.T) {
	f := newFixture(t)
	bad := []message.AppendRequest{
		{TaskID: "t", SenderType: message.SenderUser, Payload: json.RawMessage(`{}`)},
		{TopicID: "x", TaskID: "t", SenderType: "robot", Payload: json.RawMessage(`{}`)},
		{TopicID: "x", TaskID: "t", SenderType: message.SenderUser},
		{TopicID: "x", TaskID: "t", SenderType: message.SenderUser, Payload: json.RawMessage(`{nope`)},
	}
	for i, req := range bad {
		if _, err := f.messages.Append(orgCtx(), req); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
}

func TestMessageListAfterSeq(t *testing.T) {
	f := newFixture(t)
	tp := f.createTopic(t)
	for range 5 {
		appendText(t, f, tp.ID, "t1", "x")
	}

	got, err := f.messages.List(orgCtx(), tp.ID, "t1", 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].SeqID != 4 || got[1].SeqID != 5 {
		t.Fatalf("unexpected page: %+v", got)
	}
}

func TestMessageCopyTopicPreservesOrder(t *testing.T) {
	f := newFixture(t)
	src := f.createTopic(t)
	dst := f.createTopic(t)
	for _, text := range []string{"one", "two", "three"} {
		appendText(t, f, src.ID, "t1", text)
	}
	appendText(t, f, dst.ID, "t9", "existing")

	n, err := f.messages.CopyTopicMessages(orgCtx(), src.ID, dst.ID, "t9")
	if err != nil || n != 3 {
		t.Fatalf("expected 3 copied, got %d, %v", n, err)
	}
	got, _ := f.messages.List(orgCtx(), dst.ID, "t9", 1, 10)
	want := []string{`{"text":"one"}`, `{"text":"two"}`, `{"text":"three"}`}
	for i := range want {
		if string(got[i].Payload) != want[i] || got[i].SeqID != int64(i+2) {
			t.Fatalf("copy %d: got seq %d payload %s", i, got[i].SeqID, got[i].Payload)
		}
	}

	if _, err := f.messages.CopyTopicMessages(orgCtx(), src.ID, src.ID, "t1"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("self copy: expected ErrValidation, got %v", err)
	}
	if _, err := f.messages.CopyTopicMessages(orgCtx(), src.ID, "missing", "t1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing target: expected ErrNotFound, got %v", err)
	}
}

func TestMessageDeliverOnce(t *testing.T) {
	f := newFixture(t)
	tp := f.createTopic(t)
	appendText(t, f, tp.ID, "t1", "a")
	appendText(t, f, tp.ID, "t1", "b")

	n, err := f.messages.DeliverOnce(context.Background(), database.Scope{})
	if err != nil || n != 2 {
		t.Fatalf("expected 2 delivered, got %d, %v", n, err)
	}
	var p messagequeue.IMDeliverPayload
	if err := json.Unmarshal(f.queue.last(messagequeue.SubjectIMDeliver), &p); err != nil {
		t.Fatal(err)
	}
	if p.SeqID != 2 || p.TopicID != tp.ID || p.OrganizationCode != testOrg || p.SenderType != "assistant" {
		t.Fatalf("unexpected payload: %+v", p)
	}
	for _, m := range f.store.messages {
		if m.ProcessingStatus != message.ProcessingDone {
			t.Fatalf("message %d not done: %s", m.SeqID, m.ProcessingStatus)
		}
	}

	n, _ = f.messages.DeliverOnce(context.Background(), database.Scope{})
	if n != 0 {
		t.Fatalf("delivered messages must not be sent again, got %d", n)
	}
}

func TestMessageDeliveryRetriesThenGivesUp(t *testing.T) {
	f := newFixture(t)
	tp := f.createTopic(t)
	appendText(t, f, tp.ID, "t1", "a")
	f.queue.publishErr = errors.New("broker down")

	for i := range f.messages.cfg.MaxRetries {
		if n, err := f.messages.DeliverOnce(context.Background(), database.Scope{}); err != nil || n != 0 {
			t.Fatalf("attempt %d: %d, %v", i, n, err)
		}
	}
	m := f.store.messages[0]
	if m.ProcessingStatus != message.ProcessingFailed || m.RetryCount != f.messages.cfg.MaxRetries {
		t.Fatalf("unexpected message state: %+v", m)
	}

	f.queue.publishErr = nil
	if n, _ := f.messages.DeliverOnce(context.Background(), database.Scope{}); n != 0 {
		t.Fatal("message out of retries must not be delivered")
	}
}

func TestMessageDeliverWithoutBroker(t *testing.T) {
	store := newMockStore()
	topics := NewTopicService(store, nil, 0)
	svc := NewMessageService(store, topics, nil, config.Defaults().Delivery, time.Minute)
	_, _ = svc.Append(orgCtx(), message.AppendRequest{
		TopicID: "t", TaskID: "k", SenderType: message.SenderSystem, Payload: json.RawMessage(`{}`),
	})

	if n, err := svc.DeliverOnce(context.Background(), database.Scope{}); err != nil || n != 0 {
		t.Fatalf("expected nothing delivered, got %d, %v", n, err)
	}
	if store.messages[0].ErrMessage != errNoBroker.Error() {
		t.Fatalf("unexpected error message: %q", store.messages[0].ErrMessage)
	}
}

func TestMessageRunDeliveryStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.messages.cfg.Interval = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.messages.RunDelivery(ctx, database.Scope{}) }()

	tp := f.createTopic(t)
	appendText(t, f, tp.ID, "t1", "a")
	deadline := time.Now().Add(2 * time.Second)
	for f.queue.count(messagequeue.SubjectIMDeliver) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.queue.count(messagequeue.SubjectIMDeliver) != 1 {
		t.Fatal("expected the background loop to deliver the message")
	}
}
