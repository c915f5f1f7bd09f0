// Package agent contains the orchestrator that turns a natural-language
// search request into tool calls against the search service. It runs the
// plan, invoke, analyze, format reasoning loop, carries conversation
// memory and knowledge snippets into each prompt, and pauses the loop
// when the model asks the user for clarification.
package agent
