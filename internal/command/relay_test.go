package command

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowguard/internal/model"
)

type fakePublisher struct {
	topic   string
	payload []byte
	err     error
}

func (f *fakePublisher) Publish(topic string, payload []byte) error {
	f.topic = topic
	f.payload = payload
	return f.err
}

func TestBuildCoercesValue(t *testing.T) {
	cases := []struct {
		in   any
		want any
	}{
		{nil, nil},
		{"7.5", 7.5},
		{" 3 ", 3.0},
		{"on", "on"},
		{json.Number("2"), 2.0},
		{4.25, 4.25},
		{true, true},
	}
	for _, c := range cases {
		cmd, err := Build("setCalibration", c.in)
		require.NoError(t, err)
		assert.Equal(t, c.want, cmd.Value, "input %v", c.in)
	}
	_, err := Build("  ", nil)
	assert.ErrorIs(t, err, ErrMissingAction)
}

func TestRelayPublishesVerbatim(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRelay(pub, "hidrometro/leandro/cmd", nil)
	cmd, err := Build("setCalibration", "7.5")
	require.NoError(t, err)

	sent, err := r.Send(cmd)
	require.NoError(t, err)
	assert.Equal(t, cmd, sent)
	assert.Equal(t, "hidrometro/leandro/cmd", pub.topic)
	assert.JSONEq(t, `{"action":"setCalibration","value":7.5}`, string(pub.payload))

	_, err = r.Send(model.Command{Action: "reset"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"reset"}`, string(pub.payload))
}

func TestRelayErrors(t *testing.T) {
	_, err := NewRelay(nil, "t", nil).Send(model.Command{Action: "reset"})
	assert.ErrorIs(t, err, ErrNoTransport)

	boom := errors.New("not connected")
	_, err = NewRelay(&fakePublisher{err: boom}, "t", nil).Send(model.Command{Action: "reset"})
	assert.ErrorIs(t, err, boom)

	_, err = NewRelay(&fakePublisher{}, "t", nil).Send(model.Command{})
	assert.ErrorIs(t, err, ErrMissingAction)
}
