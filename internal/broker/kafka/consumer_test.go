package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	msgs      []kafka.Message
	err       error
	i         int
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if r.i < len(r.msgs) {
		m := r.msgs[r.i]
		r.i++
		return m, nil
	}
	if r.err != nil {
		return kafka.Message{}, r.err
	}
	return kafka.Message{}, errors.New("eof")
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestConsumer_Consume_CallsHandlerAndCommits(t *testing.T) {
	fr := &fakeReader{
		msgs: []kafka.Message{{Key: []byte("trip-1"), Value: []byte(`{"lat":1}`)}},
		err:  errors.New("stop"),
	}
	c := newConsumerWithReader(fr)

	var gotK, gotV []byte
	err := c.Consume(context.Background(), func(k, v []byte) error {
		gotK, gotV = k, v
		return nil
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "fetch message")
	require.Equal(t, []byte("trip-1"), gotK)
	require.Equal(t, []byte(`{"lat":1}`), gotV)
	require.Len(t, fr.committed, 1)
}

func TestConsumer_Consume_HandlerErrorStopsWithoutCommit(t *testing.T) {
	fr := &fakeReader{msgs: []kafka.Message{{Key: []byte("k"), Value: []byte("v")}}}
	c := newConsumerWithReader(fr)

	want := errors.New("handler failed")
	err := c.Consume(context.Background(), func(k, v []byte) error { return want })
	require.ErrorIs(t, err, want)
	require.Empty(t, fr.committed)
}

func TestConsumer_Consume_RetriesThenCommits(t *testing.T) {
	fr := &fakeReader{
		msgs: []kafka.Message{{Topic: "trip.location-reported", Offset: 41, Value: []byte("v")}},
		err:  errors.New("stop"),
	}
	c := newConsumerWithReader(fr).WithRetry(3, time.Millisecond)

	calls := 0
	err := c.Consume(context.Background(), func(k, v []byte) error {
		calls++
		if calls < 3 {
			return errors.New("db busy")
		}
		return nil
	})
	require.ErrorContains(t, err, "fetch message")
	require.Equal(t, 3, calls)
	require.Len(t, fr.committed, 1)
}

func TestConsumer_Consume_RetriesExhausted(t *testing.T) {
	fr := &fakeReader{msgs: []kafka.Message{{Topic: "trip.location-reported", Partition: 2, Offset: 7}}}
	c := newConsumerWithReader(fr).WithRetry(2, time.Millisecond)

	want := errors.New("db down")
	calls := 0
	err := c.Consume(context.Background(), func(k, v []byte) error {
		calls++
		return want
	})
	require.ErrorIs(t, err, want)
	require.Contains(t, err.Error(), "trip.location-reported[2]@7")
	require.Equal(t, 2, calls)
	require.Empty(t, fr.committed)
}

func TestConsumer_Consume_CancelDuringBackoff(t *testing.T) {
	fr := &fakeReader{msgs: []kafka.Message{{Value: []byte("v")}}}
	c := newConsumerWithReader(fr).WithRetry(5, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	err := c.Consume(ctx, func(k, v []byte) error {
		cancel()
		return errors.New("fail")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, fr.committed)
}

func TestNewConsumer_Close(t *testing.T) {
	c := NewConsumer([]string{"localhost:0"}, "trip.location-reported", "market-api")
	require.NotNil(t, c)
	require.NoError(t, c.Close())
}
