package hivemind

import (
	"context"
	"fmt"
	"strings"

	"github.com/BaSui01/hivemind/dispatcher"
	"github.com/BaSui01/hivemind/models"
	"github.com/BaSui01/hivemind/types"
)

// ModelExecutor returns an executor that answers text tasks by calling model
// through the circuit breaker. A chat payload may name its own model. The
// task result is the breaker Result, so callers can see when the fallback
// served the task.
func (o *Orchestrator) ModelExecutor(model string) dispatcher.Executor {
	return dispatcher.ExecutorFunc(func(ctx context.Context, task dispatcher.Task) (any, error) {
		target, prompt, err := promptFor(task)
		if err != nil {
			return nil, err
		}
		if target == "" {
			target = model
		}
		return o.CallModel(ctx, target, prompt)
	})
}

// promptFor turns a task payload into a model prompt. The returned model is
// empty unless the payload overrides it.
func promptFor(task dispatcher.Task) (string, models.Prompt, error) {
	switch task.Capability {
	case dispatcher.CapabilityChat:
		p, err := dispatcher.DecodePayload[dispatcher.ChatPayload](task)
		if err != nil {
			return "", models.Prompt{}, err
		}
		return p.Model, models.Prompt{System: p.System, User: p.Prompt}, nil

	case dispatcher.CapabilityTranslation:
		p, err := dispatcher.DecodePayload[dispatcher.TranslationPayload](task)
		if err != nil {
			return "", models.Prompt{}, err
		}
		system := "Translate the user's text into " + p.TargetLanguage + ". Reply with the translation only."
		if p.SourceLanguage != "" {
			system = fmt.Sprintf("Translate the user's text from %s into %s. Reply with the translation only.",
				p.SourceLanguage, p.TargetLanguage)
		}
		return "", models.Prompt{System: system, User: p.Text}, nil

	case dispatcher.CapabilityAnalysis:
		p, err := dispatcher.DecodePayload[dispatcher.AnalysisPayload](task)
		if err != nil {
			return "", models.Prompt{}, err
		}
		var b strings.Builder
		b.WriteString("Subject: ")
		b.WriteString(p.Subject)
		if p.Question != "" {
			b.WriteString("\nQuestion: ")
			b.WriteString(p.Question)
		}
		if len(p.Data) > 0 {
			b.WriteString("\nData:\n")
			b.Write(p.Data)
		}
		return "", models.Prompt{System: "You are a careful analyst. Answer concisely.", User: b.String()}, nil

	case dispatcher.CapabilityModeration:
		p, err := dispatcher.DecodePayload[dispatcher.ModerationPayload](task)
		if err != nil {
			return "", models.Prompt{}, err
		}
		kind := p.ContentType
		if kind == "" {
			kind = "text"
		}
		return "", models.Prompt{
			System: "Classify the " + kind + " content as ALLOW or BLOCK and give a one line reason.",
			User:   p.Content,
		}, nil

	default:
		return "", models.Prompt{}, types.NewValidationError("capability %s cannot be served by a model worker", task.Capability)
	}
}
