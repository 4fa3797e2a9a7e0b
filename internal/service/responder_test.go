package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/JorgeAlan/tagers-platform-sub003/internal/airunner"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/cache"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/chatwoot"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/queue"
)

type fakeChat struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeChat) SendMessage(_ context.Context, _ string, content string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, content)
	return nil
}

func (f *fakeChat) ToggleTyping(context.Context, string, bool) error { return nil }

func envelopeJob(t *testing.T, text string) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(&chatwoot.Envelope{
		ConversationID: "C1",
		MessageID:      "m1",
		MessageType:    chatwoot.MessageIncoming,
		MessageText:    text,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &queue.Job{ID: "j1", ConversationID: "C1", Payload: payload}
}

func staticCall(response string) airunner.CallFunc {
	return func(context.Context, []airunner.Message) (string, error) {
		return response, nil
	}
}

func TestHandle_ModelReplyIsSentAndCached(t *testing.T) {
	chat := &fakeChat{}
	sc := cache.New(cache.Config{})
	defer sc.Close()

	r := NewResponder(airunner.New(airunner.Config{}, nil),
		staticCall(`{"intent":"FAQ_HOURS","reply":"Abrimos a las 8.","confidence":0.9}`),
		sc, chat, nil, nil)

	out, err := r.Handle(context.Background(), envelopeJob(t, "¿a qué hora abren?"))
	if err != nil {
		t.Fatal(err)
	}
	res := out.(*HandleResult)
	if res.Reply != "Abrimos a las 8." || res.Intent != "FAQ_HOURS" {
		t.Errorf("result = %+v", res)
	}
	if len(chat.sent) != 1 {
		t.Fatalf("messages sent = %d", len(chat.sent))
	}

	// Second identical question is served from cache.
	out, err = r.Handle(context.Background(), envelopeJob(t, "¿A qué hora abren?"))
	if err != nil {
		t.Fatal(err)
	}
	if !out.(*HandleResult).FromCache {
		t.Error("repeat question missed the cache")
	}
	if len(chat.sent) != 2 {
		t.Errorf("cached reply not sent, total = %d", len(chat.sent))
	}
}

func TestHandle_ModelFailureSurfacesForRetry(t *testing.T) {
	r := NewResponder(airunner.New(airunner.Config{}, nil),
		func(context.Context, []airunner.Message) (string, error) {
			return "", errors.New("upstream unavailable")
		},
		nil, &fakeChat{}, nil, nil)

	if _, err := r.Handle(context.Background(), envelopeJob(t, "hola")); err == nil {
		t.Fatal("expected error so the queue can retry")
	}
}

func TestHandle_InvalidPayloadFailsFast(t *testing.T) {
	r := NewResponder(airunner.New(airunner.Config{}, nil), staticCall("{}"),
		nil, &fakeChat{}, nil, nil)

	if _, err := r.Handle(context.Background(), &queue.Job{ID: "j", Payload: []byte("{not json")}); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := r.Handle(context.Background(), &queue.Job{ID: "j", Payload: []byte(`{}`)}); err == nil {
		t.Fatal("expected invalid-envelope error")
	}
}
