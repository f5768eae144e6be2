package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	payoutState   map[string]int64
	holdReason    map[string]int64
	webhookEvent  map[string]int64
	escrowCall    map[string]int64
	gauges        map[string]float64
	reviewLatency ReviewLatencyStat
	Histograms    *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type ReviewLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt     string                  `json:"generated_at"`
	Endpoints       map[string]EndpointStat `json:"endpoints"`
	PayoutStates    map[string]int64        `json:"payout_states"`
	HoldReasons     map[string]int64        `json:"hold_reasons"`
	WebhookEvents   map[string]int64        `json:"webhook_events"`
	EscrowCalls     map[string]int64        `json:"escrow_calls"`
	Gauges          map[string]float64      `json:"gauges"`
	ReviewLatencyMS ReviewLatencyStat       `json:"review_latency_ms"`
	Histograms      []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:     map[string]*EndpointStat{},
		payoutState:  map[string]int64{},
		holdReason:   map[string]int64{},
		webhookEvent: map[string]int64{},
		escrowCall:   map[string]int64{},
		gauges:       map[string]float64{},
		Histograms:   NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncPayoutState counts payout records entering a state.
func (r *Registry) IncPayoutState(state string) {
	state = strings.TrimSpace(strings.ToUpper(state))
	if state == "" {
		return
	}
	r.mu.Lock()
	r.payoutState[state]++
	r.mu.Unlock()
}

// IncHoldReason counts individual hold reasons as they are attached to
// payouts. One held payout may increment several reasons.
func (r *Registry) IncHoldReason(reason string) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.holdReason[reason]++
	r.mu.Unlock()
}

// IncWebhookEvent counts intake by event key and disposition
// ("issues|handled", "pull_request|duplicate", "ping|unhandled").
func (r *Registry) IncWebhookEvent(eventKey, disposition string) {
	eventKey = strings.TrimSpace(eventKey)
	if eventKey == "" {
		return
	}
	if disposition == "" {
		disposition = "handled"
	}
	r.mu.Lock()
	r.webhookEvent[eventKey+"|"+disposition]++
	r.mu.Unlock()
}

// IncEscrowCall counts gateway operations by operation and outcome
// ("release|ok", "deposit|error").
func (r *Registry) IncEscrowCall(op, outcome string) {
	op = strings.TrimSpace(op)
	if op == "" {
		return
	}
	if outcome == "" {
		outcome = "ok"
	}
	r.mu.Lock()
	r.escrowCall[op+"|"+outcome]++
	r.mu.Unlock()
}

func (r *Registry) ObserveReviewLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reviewLatency.Count++
	r.reviewLatency.TotalMS += ms
	r.reviewLatency.LastMS = ms
	if ms > r.reviewLatency.MaxMS {
		r.reviewLatency.MaxMS = ms
	}
	r.reviewLatency.AvgMS = float64(r.reviewLatency.TotalMS) / float64(r.reviewLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		Endpoints:     make(map[string]EndpointStat, len(r.endpoint)),
		PayoutStates:  make(map[string]int64, len(r.payoutState)),
		HoldReasons:   make(map[string]int64, len(r.holdReason)),
		WebhookEvents: make(map[string]int64, len(r.webhookEvent)),
		EscrowCalls:   make(map[string]int64, len(r.escrowCall)),
		Gauges:        make(map[string]float64, len(r.gauges)),
		ReviewLatencyMS: ReviewLatencyStat{
			Count:   r.reviewLatency.Count,
			TotalMS: r.reviewLatency.TotalMS,
			MaxMS:   r.reviewLatency.MaxMS,
			LastMS:  r.reviewLatency.LastMS,
			AvgMS:   r.reviewLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.payoutState {
		out.PayoutStates[k] = v
	}
	for k, v := range r.holdReason {
		out.HoldReasons[k] = v
	}
	for k, v := range r.webhookEvent {
		out.WebhookEvents[k] = v
	}
	for k, v := range r.escrowCall {
		out.EscrowCalls[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP osm402_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE osm402_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "osm402_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP osm402_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE osm402_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "osm402_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP osm402_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE osm402_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "osm402_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP osm402_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE osm402_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "osm402_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP osm402_payout_state_total payouts entering a state\n")
		b.WriteString("# TYPE osm402_payout_state_total counter\n")
		for _, state := range SortedKeys(snap.PayoutStates) {
			fmt.Fprintf(b, "osm402_payout_state_total{state=%q} %d\n", state, snap.PayoutStates[state])
		}
		b.WriteString("# HELP osm402_hold_reason_total hold reasons attached to payouts\n")
		b.WriteString("# TYPE osm402_hold_reason_total counter\n")
		for _, reason := range SortedKeys(snap.HoldReasons) {
			fmt.Fprintf(b, "osm402_hold_reason_total{reason=%q} %d\n", reason, snap.HoldReasons[reason])
		}
		b.WriteString("# HELP osm402_webhook_event_total webhook intake by event and disposition\n")
		b.WriteString("# TYPE osm402_webhook_event_total counter\n")
		for _, key := range SortedKeys(snap.WebhookEvents) {
			parts := strings.SplitN(key, "|", 2)
			event, disposition := parts[0], "handled"
			if len(parts) == 2 {
				disposition = parts[1]
			}
			fmt.Fprintf(b, "osm402_webhook_event_total{event=%q,disposition=%q} %d\n", event, disposition, snap.WebhookEvents[key])
		}
		b.WriteString("# HELP osm402_escrow_call_total escrow gateway calls by operation and outcome\n")
		b.WriteString("# TYPE osm402_escrow_call_total counter\n")
		for _, key := range SortedKeys(snap.EscrowCalls) {
			parts := strings.SplitN(key, "|", 2)
			op, outcome := parts[0], "ok"
			if len(parts) == 2 {
				outcome = parts[1]
			}
			fmt.Fprintf(b, "osm402_escrow_call_total{op=%q,outcome=%q} %d\n", op, outcome, snap.EscrowCalls[key])
		}
		b.WriteString("# HELP osm402_gauge operational gauge metrics\n")
		b.WriteString("# TYPE osm402_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "osm402_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP osm402_latency_seconds latency histogram\n")
			b.WriteString("# TYPE osm402_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "osm402_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "osm402_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "osm402_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "osm402_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "osm402_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "osm402_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "osm402_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP osm402_review_latency_ms risk review round-trip latency in ms\n")
		b.WriteString("# TYPE osm402_review_latency_ms gauge\n")
		fmt.Fprintf(b, "osm402_review_latency_ms{stat=%q} %d\n", "last", snap.ReviewLatencyMS.LastMS)
		fmt.Fprintf(b, "osm402_review_latency_ms{stat=%q} %.3f\n", "avg", snap.ReviewLatencyMS.AvgMS)
		fmt.Fprintf(b, "osm402_review_latency_ms{stat=%q} %d\n", "max", snap.ReviewLatencyMS.MaxMS)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
