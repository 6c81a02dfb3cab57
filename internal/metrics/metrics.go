// Package metrics exposes Prometheus counters for the OAuth broker, the
// token manager, tool calls and chat turns.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the domain packages report to.
type Recorder interface {
	RecordOAuthCallback(provider, outcome string)
	RecordTokenRefresh(provider, outcome string)
	RecordToolCall(tool, outcome string, latency time.Duration)
	RecordChatTurn(outcome string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordOAuthCallback(string, string) {}
func (Nop) RecordTokenRefresh(string, string) {}
func (Nop) RecordToolCall(string, string, time.Duration) {}
func (Nop) RecordChatTurn(string) {}

// Collector is the Prometheus backed Recorder.
type Collector struct {
	oauthCallbacks *prometheus.CounterVec
	tokenRefresh   *prometheus.CounterVec
	toolCalls      *prometheus.CounterVec
	toolLatency    *prometheus.HistogramVec
	chatTurns      *prometheus.CounterVec
}

// NewCollector creates a Collector and registers its metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		oauthCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orca_oauth_callbacks_total",
			Help: "OAuth callbacks by provider and outcome.",
		}, []string{"provider", "outcome"}),
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orca_token_refresh_total",
			Help: "Refresh token grants by provider and outcome.",
		}, []string{"provider", "outcome"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orca_tool_calls_total",
			Help: "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orca_tool_latency_seconds",
			Help:    "Tool invocation latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		chatTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orca_chat_turns_total",
			Help: "Chat turns by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.oauthCallbacks,
		c.tokenRefresh,
		c.toolCalls,
		c.toolLatency,
		c.chatTurns,
	)
	return c
}

func (c *Collector) RecordOAuthCallback(provider, outcome string) {
	if provider == "" {
		provider = "unknown"
	}
	c.oauthCallbacks.WithLabelValues(provider, outcome).Inc()
}

func (c *Collector) RecordTokenRefresh(provider, outcome string) {
	c.tokenRefresh.WithLabelValues(provider, outcome).Inc()
}

func (c *Collector) RecordToolCall(tool, outcome string, latency time.Duration) {
	c.toolCalls.WithLabelValues(tool, outcome).Inc()
	c.toolLatency.WithLabelValues(tool).Observe(latency.Seconds())
}

func (c *Collector) RecordChatTurn(outcome string) {
	c.chatTurns.WithLabelValues(outcome).Inc()
}

// RegisterPendingStates exposes the size of the OAuth state store as a gauge.
func RegisterPendingStates(reg prometheus.Registerer, pending func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "orca_oauth_states_pending",
		Help: "OAuth authorizations waiting for their callback.",
	}, func() float64 { return float64(pending()) }))
}

// Handler serves the registry in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
