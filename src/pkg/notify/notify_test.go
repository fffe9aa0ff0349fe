package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUpserter struct {
	number    int
	signature string
	body      string
	err       error
}

func (f *fakeUpserter) UpsertToolComment(_ context.Context, number int, signature, body string) error {
	f.number, f.signature, f.body = number, signature, body
	return f.err
}

func TestPRCommentSink(t *testing.T) {
	client := &fakeUpserter{}
	sink := &PRCommentSink{Client: client, PR: 12, Signature: func(tenant string) string { return "<!-- " + tenant + " -->" }}

	require.NoError(t, sink.Send(context.Background(), Message{Tenant: "acme", Status: "completed", Body: "all good"}))
	assert.Equal(t, 12, client.number)
	assert.Equal(t, "<!-- acme -->", client.signature)
	assert.Equal(t, "all good", client.body)

	client.err = errors.New("boom")
	assert.Error(t, sink.Send(context.Background(), Message{Tenant: "acme"}))

	assert.Error(t, (&PRCommentSink{Client: client}).Send(context.Background(), Message{}))
}

type countingSink struct {
	calls int
	err   error
}

func (c *countingSink) Send(context.Context, Message) error {
	c.calls++
	return c.err
}

func TestMulti(t *testing.T) {
	failing := &countingSink{err: errors.New("down")}
	ok := &countingSink{}

	err := Multi{failing, ok, LogSink{}}.Send(context.Background(), Message{Tenant: "acme", Body: "x"})
	assert.EqualError(t, err, "down")
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, ok.calls)
}
