// Package notify delivers the formatted run summary to a side channel.
// Sinks are write-only: nothing is ever read back from them.
package notify

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("package", "notify")

// Message is a fully formatted run summary
type Message struct {
	Tenant string
	Status string
	Body   string
}

type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// CommentUpserter updates the comment carrying signature, or creates one
type CommentUpserter interface {
	UpsertToolComment(ctx context.Context, number int, signature, body string) error
}

// PRCommentSink keeps a single summary comment per tenant on the pull
// request, replacing it on every run
type PRCommentSink struct {
	Client    CommentUpserter
	PR        int
	Signature func(tenant string) string
}

var _ Sink = (*PRCommentSink)(nil)

func (s *PRCommentSink) Send(ctx context.Context, msg Message) error {
	if s.PR == 0 {
		return fmt.Errorf("no pull request to comment on")
	}
	if err := s.Client.UpsertToolComment(ctx, s.PR, s.Signature(msg.Tenant), msg.Body); err != nil {
		return fmt.Errorf("failed to post summary comment: %w", err)
	}
	logger.WithField("pr", s.PR).WithField("status", msg.Status).Info("Posted summary comment")
	return nil
}

// LogSink writes the summary to the log, for local runs
type LogSink struct{}

var _ Sink = LogSink{}

func (LogSink) Send(_ context.Context, msg Message) error {
	logger.WithField("tenant", msg.Tenant).WithField("status", msg.Status).Info("Run summary:\n" + msg.Body)
	return nil
}

// Multi sends to every sink and returns the first error after trying all
type Multi []Sink

func (m Multi) Send(ctx context.Context, msg Message) error {
	var firstErr error
	for _, s := range m {
		if err := s.Send(ctx, msg); err != nil {
			logger.WithError(err).Warn("Notification sink failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
