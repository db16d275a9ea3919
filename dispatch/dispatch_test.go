package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrimesh/fieldgate/errors"
	"github.com/agrimesh/fieldgate/telemetry"
)

type fakePublisher struct {
	subject string
	data    []byte
	err     error
	calls   int
}

func (p *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.calls++
	p.subject = subject
	p.data = data
	return p.err
}

type fakeChecker struct{ known map[string]bool }

func (c *fakeChecker) Exists(id string) bool { return c.known[id] }

func TestSend(t *testing.T) {
	at := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	pub := &fakePublisher{}
	d := New(pub, &fakeChecker{known: map[string]bool{"valve-3": true}},
		WithClock(func() time.Time { return at }),
		WithIDGenerator(func() string { return "cmd-1" }))

	id, err := d.Send(context.Background(), "valve-3", "open_valve",
		map[string]any{"duration_s": 30})
	require.NoError(t, err)
	assert.Equal(t, "cmd-1", id)
	assert.Equal(t, "devices.valve-3.commands", pub.subject)

	var envelope telemetry.Command
	require.NoError(t, json.Unmarshal(pub.data, &envelope))
	assert.Equal(t, "cmd-1", envelope.ID)
	assert.Equal(t, "open_valve", envelope.Command)
	assert.Equal(t, at, envelope.Timestamp)
	assert.EqualValues(t, 30, envelope.Parameters["duration_s"])
}

func TestSendUnknownDevice(t *testing.T) {
	pub := &fakePublisher{}
	d := New(pub, &fakeChecker{known: map[string]bool{}})

	_, err := d.Send(context.Background(), "ghost-1", "reboot", nil)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.Zero(t, pub.calls, "nothing may be published for an unknown device")
}

func TestSendPublishFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.ErrPublishFailed}
	d := New(pub, &fakeChecker{known: map[string]bool{"valve-3": true}})

	_, err := d.Send(context.Background(), "valve-3", "reboot", nil)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestSendGeneratesUniqueIDs(t *testing.T) {
	pub := &fakePublisher{}
	d := New(pub, &fakeChecker{known: map[string]bool{"valve-3": true}})

	first, err := d.Send(context.Background(), "valve-3", "reboot", nil)
	require.NoError(t, err)
	second, err := d.Send(context.Background(), "valve-3", "reboot", nil)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}
