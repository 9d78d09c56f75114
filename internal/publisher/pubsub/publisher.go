// Package pubsub announces finished crawls on a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// Publisher sends JSON notifications to one topic.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	attrs  map[string]string
}

// New wraps an existing client and topic name. attrs are attached to every
// message.
func New(client *pubsub.Client, topicName string, attrs map[string]string) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if topicName == "" {
		return nil, fmt.Errorf("topic name is required")
	}
	return &Publisher{client: client, topic: client.Topic(topicName), attrs: attrs}, nil
}

// Open creates a client for projectID and binds it to topicName.
func Open(ctx context.Context, projectID, topicName string, attrs map[string]string) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	p, err := New(client, topicName, attrs)
	if err != nil {
		return nil, errors.Join(err, client.Close())
	}
	return p, nil
}

// Publish encodes payload as JSON and waits for the server ID. The topic
// argument is informational; messages always go to the bound topic.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p.topic == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data}
	if len(p.attrs) > 0 {
		msg.Attributes = make(map[string]string, len(p.attrs))
		for k, v := range p.attrs {
			msg.Attributes[k] = v
		}
	}
	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending messages and releases the client.
func (p *Publisher) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
