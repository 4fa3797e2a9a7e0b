// Package service holds the message-processing handler the worker pool
// runs: semantic cache in front of a schema-validated model call, reply
// delivery, and handoff escalation when the model cannot help.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/JorgeAlan/tagers-platform-sub003/internal/airunner"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/cache"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/chatwoot"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/handoff"
	"github.com/JorgeAlan/tagers-platform-sub003/internal/queue"
)

// replySchema is what the model must return for every customer message.
var replySchema = &airunner.ObjectSchema{
	Required: map[string]airunner.FieldType{
		"intent":     airunner.FieldString,
		"reply":      airunner.FieldString,
		"confidence": airunner.FieldNumber,
	},
	Optional: map[string]airunner.FieldType{
		"needs_human": airunner.FieldBool,
	},
}

const systemPrompt = "Eres el asistente de la panadería. Responde en español, " +
	"breve y amable. Devuelve JSON con intent, reply, confidence y " +
	"opcionalmente needs_human."

// Responder implements the process_message job handler.
type Responder struct {
	runner  *airunner.Runner
	call    airunner.CallFunc
	cache   *cache.Cache
	chat    chatwoot.API
	handoff *handoff.Hub
	logger  *slog.Logger
}

func NewResponder(runner *airunner.Runner, call airunner.CallFunc, sc *cache.Cache,
	chat chatwoot.API, hub *handoff.Hub, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		runner:  runner,
		call:    call,
		cache:   sc,
		chat:    chat,
		handoff: hub,
		logger:  logger.With("component", "responder"),
	}
}

// HandleResult is what a completed job reports back through the queue.
type HandleResult struct {
	Reply      string  `json:"reply"`
	Intent     string  `json:"intent,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	FromCache  bool    `json:"from_cache"`
	SelfHealed bool    `json:"self_healed,omitempty"`
	HandedOff  bool    `json:"handed_off,omitempty"`
}

// Handle processes one admitted message end to end. It is registered under
// the process_message handler ID and must stay idempotent across a retry.
func (r *Responder) Handle(ctx context.Context, job *queue.Job) (interface{}, error) {
	var env chatwoot.Envelope
	if err := json.Unmarshal(job.Payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if !env.Valid() {
		return nil, fmt.Errorf("invalid envelope on job %s", job.ID)
	}

	// Cache first: a hit skips the model entirely.
	if r.cache != nil {
		if res := r.cache.Get(env.MessageText); res.Hit {
			if err := r.chat.SendMessage(ctx, env.ConversationID, res.Response); err != nil {
				return nil, fmt.Errorf("send cached reply: %w", err)
			}
			r.logger.Info("cache hit",
				"conversation", env.ConversationID, "category", string(res.Category))
			return &HandleResult{Reply: res.Response, FromCache: true}, nil
		}
	}

	messages := []airunner.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: env.MessageText},
	}
	run := r.runner.Run(ctx, r.call, messages, replySchema)
	if !run.Success {
		// The queue retries recoverable failures; let the error surface.
		return nil, fmt.Errorf("model call failed after %d attempts: %s", run.Attempts, run.Err)
	}

	reply, _ := run.Data["reply"].(string)
	intent, _ := run.Data["intent"].(string)
	confidence, _ := run.Data["confidence"].(float64)
	needsHuman, _ := run.Data["needs_human"].(bool)

	if err := r.chat.SendMessage(ctx, env.ConversationID, reply); err != nil {
		return nil, fmt.Errorf("send reply: %w", err)
	}

	if r.cache != nil {
		r.cache.Set(env.MessageText, reply, &cache.SetOptions{
			Metadata: map[string]string{"intent": intent},
		})
	}

	if needsHuman && r.handoff != nil {
		r.handoff.Notify(env.ConversationID, env.InboxName, env.Contact.Name, "model_requested_handoff")
	}

	return &HandleResult{
		Reply:      reply,
		Intent:     intent,
		Confidence: confidence,
		SelfHealed: run.SelfHealed,
		HandedOff:  needsHuman,
	}, nil
}
