package specialist

import (
	"context"
	"iter"
	"strings"

	"go.uber.org/zap"

	"github.com/triage-ai/agentgate/internal/agent"
)

const (
	FeedbackThanks  = "Thank you for your feedback!"
	FeedbackUnclear = "I didn't understand your feedback. Please respond with 'yes' or 'no'."
)

// FeedbackStore persists yes/no feedback per session.
type FeedbackStore interface {
	SaveFeedback(ctx context.Context, sessionID, feedback string) error
}

// Evaluator records the user's verdict on the previous answer.
type Evaluator struct {
	store  FeedbackStore
	logger *zap.Logger
}

// NewEvaluator creates an Evaluator. store may be nil, in which case
// feedback is only logged.
func NewEvaluator(store FeedbackStore, logger *zap.Logger) *Evaluator {
	return &Evaluator{store: store, logger: logger}
}

func (e *Evaluator) Handle(ctx context.Context, inv agent.Invocation) iter.Seq2[agent.Event, error] {
	return func(yield func(agent.Event, error) bool) {
		author := inv.Node.Author()
		feedback := strings.ToLower(strings.TrimSpace(inv.Input))
		if feedback != "yes" && feedback != "no" {
			yield(agent.NewContent(author, FeedbackUnclear), nil)
			return
		}

		sessionID := inv.Session.ID()
		if sessionID == "" {
			sessionID = "unknown"
		}
		e.logger.Info("feedback received",
			zap.String("session_id", sessionID),
			zap.String("feedback", feedback),
		)
		if e.store != nil {
			if err := e.store.SaveFeedback(ctx, sessionID, feedback); err != nil {
				e.logger.Warn("feedback not persisted",
					zap.String("session_id", sessionID),
					zap.Error(err),
				)
			}
		}
		yield(agent.NewContent(author, FeedbackThanks), nil)
	}
}
