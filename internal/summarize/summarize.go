// Package summarize defines the pluggable summarizer hooks the worker
// calls while preparing and failing tasks. Implementations may call an
// LLM or any external service; the worker only needs the interfaces.
package summarize

import "context"

// DefaultErrorMessage is shown to end users when error summarization is
// unavailable or fails.
const DefaultErrorMessage = "처리 중 오류가 발생했습니다. 잠시 후 다시 시도해주세요."

// FeedbackSummarizer condenses accumulated feedback against the prior
// result into a short instruction for the next execution.
type FeedbackSummarizer interface {
	SummarizeFeedback(ctx context.Context, feedback, priorResult string) (string, error)
}

// ErrorMeta identifies the task an error came from. LLM-backed
// summarizers use it to phrase the message for the right activity.
type ErrorMeta struct {
	TaskID     string
	ProcInstID string
	AgentOrch  string
	Tool       string
}

// ErrorSummarizer turns a raw execution error plus its task metadata
// into a user-facing message.
type ErrorSummarizer interface {
	SummarizeError(ctx context.Context, rawError string, meta ErrorMeta) (string, error)
}

// StaticFeedback returns the raw feedback unchanged. It is the default
// when no summarizer is configured.
type StaticFeedback struct{}

func (StaticFeedback) SummarizeFeedback(_ context.Context, feedback, _ string) (string, error) {
	return feedback, nil
}

// StaticError always produces DefaultErrorMessage regardless of the raw
// error.
type StaticError struct{}

func (StaticError) SummarizeError(_ context.Context, _ string, _ ErrorMeta) (string, error) {
	return DefaultErrorMessage, nil
}
