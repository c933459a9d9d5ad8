package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/awinterman/anarchokv/binlog"
)

// Tail reads a mirrored binlog back from its topic.
type Tail struct {
	Topic  string
	Client *kgo.Client
}

// NewTail consumes topic from its first record.
func NewTail(brokers []string, clientID, topic string) (*Tail, error) {
	client, err := kgo.NewClient(kgo.ClientID(clientID), kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic), kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	if err != nil {
		return nil, err
	}
	return &Tail{Topic: topic, Client: client}, nil
}

// Run calls fn for each record until ctx is done or fn fails.
func (t *Tail) Run(ctx context.Context, fn func(binlog.Position, []byte) error) error {
	for ctx.Err() == nil {
		fetches := t.Client.PollFetches(ctx)
		if ctx.Err() != nil {
			break
		}

		var err error
		fetches.EachError(func(topic string, partition int32, e error) {
			err = errors.Join(err, fmt.Errorf("%s/%d: %w", topic, partition, e))
		})
		if err != nil {
			return err
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			r := iter.Next()
			pos, err := binlog.ParsePosition(string(r.Key))
			if err != nil {
				return err
			}
			if err := fn(pos, r.Value); err != nil {
				return err
			}
		}
	}
	return ctx.Err()
}

func (t *Tail) Close() {
	t.Client.Close()
}
