// Package chat runs conversational turns.
//
// # Turn protocol
//
// Orchestrator.Turn validates the query, resolves the conversation through the
// store, records the user message, then starts the primary Agent. Every text
// chunk the agent yields is appended to an accumulator and emitted as an
// Envelope carrying the full text so far. When the agent finishes, the
// accumulated text is stored as one assistant message whose id matches the id
// carried in every envelope of the turn.
//
// Failures after streaming began produce one error envelope; partial text is
// still stored. Cancelling the request context stops the stream and skips the
// final write.
//
// # Agents
//
// OpenAIAgent streams chat completions and exposes agentrun capabilities (SQL
// lookup, chart generation) as function tools. AnthropicAgent is a
// non-streaming alternative that yields its answer as a single chunk.
//
// # History updates
//
// UpdateHistory records an exchange produced elsewhere, creating the
// conversation with a model-generated title when it does not exist yet.
package chat
