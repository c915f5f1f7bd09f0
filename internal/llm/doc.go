// Package llm contains adapters for invoking large language models. It
// abstracts away provider-specific APIs behind a three-stage reasoning
// contract (plan, analyze, format) consumed by the agent runtime.
package llm
