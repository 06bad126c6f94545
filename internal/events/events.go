// Package events is the in-process notification bus. The analysis pipeline
// publishes per-tick features and the transcription session publishes its
// lifecycle and text changes; the HTTP layer and the CLI subscribe.
package events

import (
	"fmt"

	evbus "github.com/asaskevich/EventBus"

	"github.com/MrWong99/voxlens/internal/transcribe"
	"github.com/MrWong99/voxlens/pkg/features"
)

// Topics.
const (
	TopicFeatures             = "features.updated"
	TopicTranscriptionStarted = "transcription.started"
	TopicTranscriptionText    = "transcription.text"
	TopicTranscriptionStopped = "transcription.stopped"
)

// Bus publishes typed notifications over an EventBus instance.
type Bus struct {
	bus evbus.Bus
}

// New returns an empty [Bus].
func New() *Bus {
	return &Bus{bus: evbus.New()}
}

// PublishFeatures notifies features subscribers.
func (b *Bus) PublishFeatures(f features.Features) {
	b.bus.Publish(TopicFeatures, f)
}

// SubscribeFeatures registers fn for every published [features.Features].
// fn runs on its own goroutine. Deliveries to fn are serialised in publish
// order, so a publisher only waits while fn is still handling the previous
// event.
func (b *Bus) SubscribeFeatures(fn func(features.Features)) error {
	if err := b.bus.SubscribeAsync(TopicFeatures, fn, true); err != nil {
		return fmt.Errorf("events: subscribe %s: %w", TopicFeatures, err)
	}
	return nil
}

// PublishTranscription routes ev to the topic of its kind.
func (b *Bus) PublishTranscription(ev transcribe.Event) {
	b.bus.Publish(TranscriptionTopic(ev.Kind), ev)
}

// SubscribeTranscription registers fn for one transcription topic. fn runs
// synchronously on the publishing goroutine, so it must not block.
func (b *Bus) SubscribeTranscription(topic string, fn func(transcribe.Event)) error {
	switch topic {
	case TopicTranscriptionStarted, TopicTranscriptionText, TopicTranscriptionStopped:
	default:
		return fmt.Errorf("events: unknown transcription topic %q", topic)
	}
	if err := b.bus.Subscribe(topic, fn); err != nil {
		return fmt.Errorf("events: subscribe %s: %w", topic, err)
	}
	return nil
}

// HasSubscribers reports whether topic has at least one handler.
func (b *Bus) HasSubscribers(topic string) bool {
	return b.bus.HasCallback(topic)
}

// Wait blocks until all asynchronous handlers have returned.
func (b *Bus) Wait() {
	b.bus.WaitAsync()
}

// TranscriptionTopic returns the topic for an event kind.
func TranscriptionTopic(k transcribe.EventKind) string {
	switch k {
	case transcribe.EventStarted:
		return TopicTranscriptionStarted
	case transcribe.EventStopped:
		return TopicTranscriptionStopped
	default:
		return TopicTranscriptionText
	}
}
