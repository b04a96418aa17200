// Package models adapts hosted model APIs to the breaker's ModelFunc shape.
//
// Anthropic and OpenAI wrap the official SDKs; Gemini is reached through
// its OpenAI compatible endpoint. A Router picks the adapter by model-name
// prefix and resolves aliases such as the breaker fallback model, so the
// whole set can be handed to breaker.New as one function:
//
//	router := models.FromConfig(cfg.Models, logger)
//	b := breaker.New(router.Call, breaker.DefaultConfig())
//	res, err := b.CallModel(ctx, "claude-sonnet-4-5", models.Prompt{User: "hi"})
//
// Every adapter accepts a Prompt, *Prompt or plain string argument and
// returns a Completion. Provider errors are mapped to types.Error codes;
// SDK retries are disabled because the breaker owns failure handling.
package models
