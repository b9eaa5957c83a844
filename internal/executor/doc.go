// Package executor provides the coordinator's AI execution backends.
//
// Echo is deterministic and needs no network, which makes it the default
// for local runs and tests. Anthropic and OpenAI call the respective chat
// APIs with the task as a single user message.
package executor
