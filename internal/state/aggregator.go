// Package state keeps the control plane's best-effort view of what each
// worker node last reported, per topic.
package state

import (
	"maps"
	"sync"

	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/controlplane/internal/telemetry"
)

// TopicInstances is reported by compute nodes but not aggregated:
// instance state lives in the store.
const TopicInstances = "instances"

// Report is one node's full item map for a topic. Item values are
// whatever the node sends.
type Report struct {
	Node  string         `cbor:"node" json:"node"`
	Items map[string]any `cbor:"items" json:"items"`
}

// Snapshot is a copy of one topic's aggregate.
type Snapshot struct {
	Nodes   map[string]map[string]any `json:"nodes"`
	Pending map[string]any            `json:"pending"`
}

type topicState struct {
	nodes   map[string]map[string]any
	pending map[string]any
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	mu      sync.Mutex
	topics  map[string]*topicState
	logger  *zap.Logger
	metrics *telemetry.Metrics
}

func NewAggregator(logger *zap.Logger, metrics *telemetry.Metrics) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{topics: make(map[string]*topicState), logger: logger, metrics: metrics}
}

func (a *Aggregator) topic(name string) *topicState {
	t, ok := a.topics[name]
	if !ok {
		t = &topicState{nodes: make(map[string]map[string]any), pending: make(map[string]any)}
		a.topics[name] = t
	}
	return t
}

// UpdateState merges a node report. Every reported item clears its
// pending placeholder, then the report replaces the node's previous one.
func (a *Aggregator) UpdateState(topic string, r Report) {
	a.metrics.ObserveReport(topic)
	if topic == TopicInstances {
		return
	}

	a.mu.Lock()
	t := a.topic(topic)
	for id := range r.Items {
		delete(t.pending, id)
	}
	t.nodes[r.Node] = maps.Clone(r.Items)
	pending := len(t.pending)
	a.mu.Unlock()

	a.metrics.SetPending(topic, pending)
	a.logger.Debug("state updated",
		zap.String("topic", topic),
		zap.String("node", r.Node),
		zap.Int("items", len(r.Items)))
}

// MarkPending records an item that was requested but that no node has
// reported yet. An item some node already reports is not marked.
func (a *Aggregator) MarkPending(topic, id string, placeholder any) {
	a.mu.Lock()
	t := a.topic(topic)
	reported := false
	for _, items := range t.nodes {
		if _, ok := items[id]; ok {
			reported = true
			break
		}
	}
	if !reported {
		t.pending[id] = placeholder
	}
	pending := len(t.pending)
	a.mu.Unlock()

	a.metrics.SetPending(topic, pending)
}

// Snapshot copies the aggregate of one topic. Item values are shared.
func (a *Aggregator) Snapshot(topic string) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Snapshot{Nodes: make(map[string]map[string]any), Pending: make(map[string]any)}
	t, ok := a.topics[topic]
	if !ok {
		return s
	}
	for node, items := range t.nodes {
		s.Nodes[node] = maps.Clone(items)
	}
	maps.Copy(s.Pending, t.pending)
	return s
}
