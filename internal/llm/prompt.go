package llm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/capitalize-ai/live-support/internal/model"
)

// ErrNothingToDraft is returned when a thread has no visitor text to answer.
var ErrNothingToDraft = errors.New("thread has no visitor messages")

// maxPromptMessages bounds how much of a thread is sent to the provider.
const maxPromptMessages = 40

const draftSystemPrompt = `You are helping a customer support operator reply to a website visitor.
Write the operator's next message only: short, friendly and specific to the conversation.
Do not invent order numbers, prices or policies. If something is unclear, ask one clarifying question.
The visitor's name is %s.`

const followUpNudge = "(The visitor has not answered the last operator message yet. Suggest a brief follow-up.)"

// DraftPrompt turns a thread into a completion request for the operator's
// next reply. Visitor messages become user turns and operator messages
// assistant turns; consecutive turns of one role are merged, and the prompt
// always starts and ends with a user turn.
func DraftPrompt(thread []model.Message, visitorName string) (*CompletionRequest, error) {
	if len(thread) > maxPromptMessages {
		thread = thread[len(thread)-maxPromptMessages:]
	}

	var turns []ChatMessage
	hasVisitor := false
	for _, m := range thread {
		text := strings.TrimSpace(m.Text)
		if text == "" || !m.Sender.Valid() {
			continue
		}
		role := RoleAssistant
		if m.Sender == model.SenderVisitor {
			role = RoleUser
			hasVisitor = true
		}
		if len(turns) == 0 && role == RoleAssistant {
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].Role == role {
			turns[n-1].Content += "\n\n" + text
			continue
		}
		turns = append(turns, ChatMessage{Role: role, Content: text})
	}
	if !hasVisitor {
		return nil, ErrNothingToDraft
	}
	if turns[len(turns)-1].Role == RoleAssistant {
		turns = append(turns, ChatMessage{Role: RoleUser, Content: followUpNudge})
	}

	name := model.ConversationSummary{DisplayName: visitorName}.Name()
	return &CompletionRequest{
		System:      fmt.Sprintf(draftSystemPrompt, name),
		Messages:    turns,
		MaxTokens:   512,
		Temperature: 0.3,
	}, nil
}
