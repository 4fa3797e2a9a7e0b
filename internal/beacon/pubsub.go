package beacon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
)

// PubSubSource consumes beacons from a Pub/Sub subscription, runs the
// engine on each one, and publishes the resulting instruction to an
// output topic for the target apps to pick up.
//
// Usage:
//
//	src, err := beacon.NewPubSubSource("my-project", "beacons-sub", "instructions", engine)
//	go src.Run(ctx)
//	defer src.Close()
type PubSubSource struct {
	client *pubsub.Client
	sub    *pubsub.Subscription
	out    *pubsub.Topic
	engine *Engine
	logger *log.Logger
}

// NewPubSubSource connects the client and creates the output topic when it
// does not exist. The subscription must already exist.
func NewPubSubSource(projectID, subscriptionID, outTopicID string, engine *Engine) (*PubSubSource, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	out := client.Topic(outTopicID)
	exists, err := out.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		out, err = client.CreateTopic(ctx, outTopicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}

	src := &PubSubSource{
		client: client,
		sub:    client.Subscription(subscriptionID),
		out:    out,
		engine: engine,
		logger: log.New(log.Writer(), "[BEACON-PUBSUB] ", log.LstdFlags),
	}
	src.logger.Printf("✅ Listening on projects/%s/subscriptions/%s", projectID, subscriptionID)
	return src, nil
}

// Run blocks receiving beacons until ctx is cancelled. Messages always ack:
// a malformed beacon produces a LOG_ONLY fallback instruction instead of a
// redelivery loop.
func (s *PubSubSource) Run(ctx context.Context) error {
	return s.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		defer msg.Ack()

		inst := s.handle(msg.Data)
		if err := s.publish(ctx, inst); err != nil {
			s.logger.Printf("❌ Publish instruction %s failed: %v", inst.InstructionID, err)
		}
	})
}

// handle parses one beacon payload and builds its instruction.
func (s *PubSubSource) handle(data []byte) *Instruction {
	var b Beacon
	if err := json.Unmarshal(data, &b); err != nil || b.SignalSource == "" {
		s.logger.Printf("⚠️ Malformed beacon payload (%d bytes): %v", len(data), err)
		return s.fallbackInstruction(data)
	}

	var signal *NormalizedSignal
	if raw, ok := b.Metadata["normalized_signal"]; ok {
		if m, err := json.Marshal(raw); err == nil {
			var ns NormalizedSignal
			if err := json.Unmarshal(m, &ns); err == nil {
				signal = &ns
			}
		}
	}

	return s.engine.BuildInstruction(&b, signal)
}

// fallbackInstruction records an undecodable payload for later triage.
func (s *PubSubSource) fallbackInstruction(data []byte) *Instruction {
	priority, taskName := PriorityFor(SeverityLow)
	return &Instruction{
		InstructionID: uuid.NewString(),
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		Target:        Target{App: AppSystem},
		Priority:      priority,
		TaskName:      taskName,
		Message:       "Señal recibida con formato inválido.",
		Actions: []Action{{Type: ActionLogOnly, Params: map[string]interface{}{
			"raw": string(data),
		}}},
		Confidence:              0,
		NeedsHumanClarification: true,
		ClarificationQuestion:   "¿Qué sistema emitió esta señal?",
		RationaleBullets:        []string{"El payload no pudo decodificarse como beacon."},
	}
}

func (s *PubSubSource) publish(ctx context.Context, inst *Instruction) error {
	payload, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instruction: %w", err)
	}
	result := s.out.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"target_app": inst.Target.App,
			"priority":   inst.Priority,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return err
	}
	return nil
}

// Close stops the output topic and the client.
func (s *PubSubSource) Close() error {
	s.out.Stop()
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	s.logger.Printf("🔌 Pub/Sub client closed")
	return nil
}
