// Package agentrun invokes external run-based agents.
//
// An Invoker performs one request/response cycle against a RunClient:
//
//	create thread -> post user message -> create run -> poll -> read text -> delete thread
//
// Polling uses an injected SleepFunc and is bounded by a maximum poll count;
// running out of polls is treated the same as a failed run. Failed runs are
// logged with their upstream detail and degrade to FallbackText, because the
// caller is usually in the middle of streaming an answer to a user. Exactly
// one run is attempted per call; retrying is the caller's decision.
//
// Capabilities wrap an Invoker into named sub-agents that a primary agent can
// call as tools: SQLAgent generates and executes a read-only query, and
// ChartAgent produces chart JSON.
//
// OpenAIRunClient is the production RunClient, built on the OpenAI Assistants
// API through openai-go.
package agentrun
