// Copyright 2024 Outreach Corporation. All Rights Reserved.

// Description: copies every binlog record to a kafka topic so that
// consumers outside the replication topology can follow the write stream.

// Package kafka:
package kafka

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/awinterman/anarchokv/binlog"
)

// Mirror is a binlog.Sink producing to a kafka topic. Records are keyed by
// their binlog position.
type Mirror struct {
	Topic  string
	Client *kgo.Client
	Logger *slog.Logger
}

func NewMirror(brokers []string, clientID, topic string) (*Mirror, error) {
	client, err := kgo.NewClient(kgo.ClientID(clientID), kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(), kgo.DefaultProduceTopic(topic))
	if err != nil {
		return nil, err
	}
	return &Mirror{Topic: topic, Client: client, Logger: slog.With("comp", "kafka", "topic", topic)}, nil
}

// Publish produces record asynchronously. Delivery failures are logged; the
// binlog stays the source of truth.
func (m *Mirror) Publish(ctx context.Context, pos binlog.Position, record []byte) error {
	// the write outlives the request that caused it
	ctx = context.WithoutCancel(ctx)

	m.Client.Produce(ctx, &kgo.Record{
		Key:   []byte(pos.String()),
		Value: bytes.Clone(record),
		Topic: m.Topic,
	}, func(r *kgo.Record, err error) {
		if err != nil {
			m.Logger.Error("mirroring record", "pos", string(r.Key), "error", err)
		}
	})
	return nil
}

// Flush waits for every produced record to be delivered.
func (m *Mirror) Flush(ctx context.Context) error {
	return m.Client.Flush(ctx)
}

func (m *Mirror) Close() {
	m.Client.Close()
}
