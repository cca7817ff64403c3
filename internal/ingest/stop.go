package ingest

import (
	"context"
	"encoding/json"
	"fmt"
)

// Commander writes a line back to the telemetry source.
// serialmux.SerialMuxInterface implements it.
type Commander interface {
	SendCommand(string) error
}

// StopPublisher emits the stop command on the stop topic.
type StopPublisher struct {
	commander Commander
	topic     string
}

func NewStopPublisher(c Commander, topic string) *StopPublisher {
	return &StopPublisher{commander: c, topic: topic}
}

// PublishStop writes {"topic":<stop topic>,"data":"stop"}.
func (p *StopPublisher) PublishStop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(StopCommand{Topic: p.topic, Data: "stop"})
	if err != nil {
		return err
	}
	if err := p.commander.SendCommand(string(line)); err != nil {
		return fmt.Errorf("failed to publish stop on %s: %w", p.topic, err)
	}
	return nil
}
