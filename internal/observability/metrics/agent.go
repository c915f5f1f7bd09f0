package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type toolCallKey struct {
	command string
	status  string
}

type agentCollector struct {
	mu          sync.Mutex
	toolCalls   map[toolCallKey]uint64
	toolLatency map[string]*histogram
	turns       map[string]uint64
	turnLatency map[string]*histogram
	activeCount int64
}

var agentMetrics = &agentCollector{
	toolCalls:   make(map[toolCallKey]uint64),
	toolLatency: make(map[string]*histogram),
	turns:       make(map[string]uint64),
	turnLatency: make(map[string]*histogram),
}

// Session turns include LLM round trips, so the buckets stretch further
// than the HTTP ones.
var turnBuckets = []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// ObserveToolCall records the outcome of a single tool invocation. The
// signature matches the transport server's observer callback.
func ObserveToolCall(command, status string, elapsed time.Duration) {
	agentMetrics.observeToolCall(command, status, elapsed)
}

// ObserveSessionTurn records one settled driving round of a session.
// Outcome is one of completed, awaiting_input, failed, degraded or retried.
func ObserveSessionTurn(outcome string, elapsed time.Duration) {
	agentMetrics.observeTurn(outcome, elapsed)
}

// SetActiveSessions publishes the number of orchestrators currently held
// in memory.
func SetActiveSessions(count int) {
	agentMetrics.mu.Lock()
	agentMetrics.activeCount = int64(count)
	agentMetrics.mu.Unlock()
}

func (c *agentCollector) observeToolCall(command, status string, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.toolCalls[toolCallKey{command: command, status: status}]++
	hist := c.toolLatency[command]
	if hist == nil {
		hist = newHistogram(httpBuckets)
		c.toolLatency[command] = hist
	}
	hist.observe(elapsed.Seconds())
}

func (c *agentCollector) observeTurn(outcome string, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.turns[outcome]++
	hist := c.turnLatency[outcome]
	if hist == nil {
		hist = newHistogram(turnBuckets)
		c.turnLatency[outcome] = hist
	}
	hist.observe(elapsed.Seconds())
}

func (c *agentCollector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type toolCallMetric struct {
		toolCallKey
		value uint64
	}
	type namedHistogram struct {
		label   string
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
	}
	type turnMetric struct {
		outcome string
		value   uint64
	}

	calls := make([]toolCallMetric, 0, len(c.toolCalls))
	for key, value := range c.toolCalls {
		calls = append(calls, toolCallMetric{toolCallKey: key, value: value})
	}
	callLats := make([]namedHistogram, 0, len(c.toolLatency))
	for command, hist := range c.toolLatency {
		callLats = append(callLats, namedHistogram{
			label:   command,
			buckets: append([]float64(nil), hist.buckets...),
			counts:  append([]uint64(nil), hist.counts...),
			sum:     hist.sum,
			count:   hist.count,
		})
	}
	turns := make([]turnMetric, 0, len(c.turns))
	for outcome, value := range c.turns {
		turns = append(turns, turnMetric{outcome: outcome, value: value})
	}
	turnLats := make([]namedHistogram, 0, len(c.turnLatency))
	for outcome, hist := range c.turnLatency {
		turnLats = append(turnLats, namedHistogram{
			label:   outcome,
			buckets: append([]float64(nil), hist.buckets...),
			counts:  append([]uint64(nil), hist.counts...),
			sum:     hist.sum,
			count:   hist.count,
		})
	}

	sort.Slice(calls, func(i, j int) bool {
		if calls[i].command == calls[j].command {
			return calls[i].status < calls[j].status
		}
		return calls[i].command < calls[j].command
	})
	sort.Slice(callLats, func(i, j int) bool { return callLats[i].label < callLats[j].label })
	sort.Slice(turns, func(i, j int) bool { return turns[i].outcome < turns[j].outcome })
	sort.Slice(turnLats, func(i, j int) bool { return turnLats[i].label < turnLats[j].label })

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP searchmcp_tool_calls_total Total number of tool invocations handled by the transport server.\n")
	builder.WriteString("# TYPE searchmcp_tool_calls_total counter\n")
	for _, metric := range calls {
		builder.WriteString(fmt.Sprintf("searchmcp_tool_calls_total{command=\"%s\",status=\"%s\"} %d\n",
			escape(metric.command), escape(metric.status), metric.value))
	}

	builder.WriteString("# HELP searchmcp_tool_call_duration_seconds Tool invocation duration in seconds.\n")
	builder.WriteString("# TYPE searchmcp_tool_call_duration_seconds histogram\n")
	for _, metric := range callLats {
		writeHistogram(&builder, "searchmcp_tool_call_duration_seconds", "command", metric.label, metric.buckets, metric.counts, metric.sum, metric.count)
	}

	builder.WriteString("# HELP searchmcp_session_turns_total Total number of settled session driving rounds by outcome.\n")
	builder.WriteString("# TYPE searchmcp_session_turns_total counter\n")
	for _, metric := range turns {
		builder.WriteString(fmt.Sprintf("searchmcp_session_turns_total{outcome=\"%s\"} %d\n",
			escape(metric.outcome), metric.value))
	}

	builder.WriteString("# HELP searchmcp_session_turn_duration_seconds Session driving round duration in seconds.\n")
	builder.WriteString("# TYPE searchmcp_session_turn_duration_seconds histogram\n")
	for _, metric := range turnLats {
		writeHistogram(&builder, "searchmcp_session_turn_duration_seconds", "outcome", metric.label, metric.buckets, metric.counts, metric.sum, metric.count)
	}

	builder.WriteString("# HELP searchmcp_active_sessions Number of session orchestrators currently resident in memory.\n")
	builder.WriteString("# TYPE searchmcp_active_sessions gauge\n")
	builder.WriteString(fmt.Sprintf("searchmcp_active_sessions %d\n", c.activeCount))

	return builder.String()
}

func writeHistogram(builder *strings.Builder, family, labelName, labelValue string, buckets []float64, counts []uint64, sum float64, count uint64) {
	for idx, bound := range buckets {
		builder.WriteString(fmt.Sprintf("%s_bucket{%s=\"%s\",le=\"%s\"} %d\n",
			family, labelName, escape(labelValue), formatFloat(bound), counts[idx]))
	}
	builder.WriteString(fmt.Sprintf("%s_bucket{%s=\"%s\",le=\"+Inf\"} %d\n",
		family, labelName, escape(labelValue), count))
	builder.WriteString(fmt.Sprintf("%s_sum{%s=\"%s\"} %s\n",
		family, labelName, escape(labelValue), formatFloat(sum)))
	builder.WriteString(fmt.Sprintf("%s_count{%s=\"%s\"} %d\n",
		family, labelName, escape(labelValue), count))
}
