// Package llmtest provides scripted llm.Client implementations for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/fabfab/document-portal/llm"
	"github.com/fabfab/document-portal/prompts"
)

// Stub records every call and answers through Reply.
type Stub struct {
	Reply func(messages []llm.Message) (string, error)

	mu    sync.Mutex
	calls [][]llm.Message
}

func (s *Stub) Generate(_ context.Context, messages []llm.Message) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, append([]llm.Message(nil), messages...))
	s.mu.Unlock()

	if s.Reply == nil {
		return "", nil
	}
	return s.Reply(messages)
}

// Calls returns a copy of the recorded conversations.
func (s *Stub) Calls() [][]llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]llm.Message(nil), s.calls...)
}

// RAG answers question-rewrite calls with the question unchanged and every
// other call with answer.
func RAG(answer string) *Stub {
	rewrite, _ := prompts.Render(prompts.ContextualizeQuestion, nil)
	return &Stub{Reply: func(messages []llm.Message) (string, error) {
		if len(messages) > 0 && messages[0].Content == rewrite {
			return messages[len(messages)-1].Content, nil
		}
		return answer, nil
	}}
}

var _ llm.Client = (*Stub)(nil)
