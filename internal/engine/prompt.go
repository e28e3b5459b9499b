package engine

import (
	"context"
	"log/slog"

	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

// runPrompt asks the input handler and binds the validated answer. A prompt
// answered in a previous run is skipped; its value comes back with the
// restored environment.
func (in *Interpreter) runPrompt(ctx context.Context, def *schema.PromptDefinition, out chan<- Event) {
	base := Event{BlockType: schema.BlockPrompt}
	if def == nil {
		base.Kind = schema.EventPromptFailed
		base.Err = schema.NewError(schema.ErrCodeValidation, "prompt block without a definition")
		in.send(out, base)
		return
	}
	base.StepID = def.ID
	base.Variable = def.Variable

	if def.ID != "" && in.tracker.consumeSkip(def.ID) {
		base.Kind = schema.EventStepSkipped
		base.Data = map[string]any{"reason": "resume"}
		in.send(out, base)
		return
	}

	requested := base
	requested.Kind = schema.EventPromptRequested
	requested.Data = *def
	in.send(out, requested)

	value, err := in.askPrompt(ctx, *def)
	if err != nil {
		in.deps.Logger.InfoContext(ctx, "prompt failed",
			slog.String("prompt_id", def.ID), slog.String("error", err.Error()))
		failed := base
		failed.Kind = schema.EventPromptFailed
		failed.Err = asFlowError(err, schema.ErrCodeExecution)
		in.send(out, failed)
		return
	}

	if def.Variable != "" {
		in.deps.Env.Set(def.Variable, value)
	}
	answered := base
	answered.Kind = schema.EventPromptAnswered
	answered.Data = value
	in.send(out, answered)
}

func (in *Interpreter) askPrompt(ctx context.Context, def schema.PromptDefinition) (any, error) {
	answer, err := in.deps.Input.RequestPrompt(ctx, def)
	if err != nil {
		if ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "prompt cancelled").WithCause(err)
		}
		return nil, err
	}
	if answer == nil {
		answer = def.Default
	}

	if in.deps.Prompts != nil {
		return in.deps.Prompts.Validate(def, answer)
	}
	if def.Required && (answer == nil || answer == "") {
		return nil, schema.NewError(schema.ErrCodeValidation, "a response is required").
			WithDetails(map[string]any{"prompt_id": def.ID})
	}
	return answer, nil
}
