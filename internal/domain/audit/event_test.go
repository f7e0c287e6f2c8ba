package audit

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	for _, d := range []Data{
		&OrderCreated{Status: "draft", Total: "300.00", Currency: "NOK", Lines: 2, Source: "api"},
		&StatusChanged{From: "draft", To: "verified"},
		&LinesReconciled{Added: 1, Removed: 1, Before: map[string]int{"P1-2": 1}, After: map[string]int{"P1-3": 1}},
		&PaymentOrphaned{Amount: 40000, Currency: "NOK", State: "AUTHORIZED", Source: "callback"},
	} {
		t.Run(string(d.EventType()), func(t *testing.T) {
			payload, err := Encode(d)
			require.NoError(t, err)

			got, err := Decode(d.EventType(), payload)
			require.NoError(t, err)
			assert.Equal(t, d, got)
		})
	}
}

func TestDecodeUnknown(t *testing.T) {
	_, err := Decode("order.teleported", []byte(`{}`))
	require.Error(t, err)
}

type failingSink struct{ calls int }

func (s *failingSink) Append(context.Context, Event) error {
	s.calls++
	return errors.New("db down")
}

func TestRecordSwallowsErrors(t *testing.T) {
	sink := &failingSink{}
	Record(context.Background(), sink, Event{OrderID: "o1", Data: StatusChanged{From: "draft", To: "verified"}})
	assert.Equal(t, 1, sink.calls)
}
