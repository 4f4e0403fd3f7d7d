package relay

import "sync"

// Aggregator keeps the most recent telemetry sample per client. It models
// "current state", not an event log: a sample overwritten before the next
// pull is lost.
type Aggregator struct {
	mu      sync.Mutex
	samples map[string]map[string]interface{}
}

func NewAggregator() *Aggregator {
	return &Aggregator{samples: make(map[string]map[string]interface{})}
}

// Update stores the latest sample for clientID, last write wins.
func (a *Aggregator) Update(clientID string, data map[string]interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.samples[clientID] = data
}

// Combined consumes the snapshot: nil when no client has reported, the
// single client's mapping verbatim, or a flat merge of all clients'
// mappings. Same-named fields from different clients overwrite each other
// (no per-client namespacing); callers that care must use distinct field
// names. The snapshot is cleared on every non-nil return, so each sample
// is delivered upstream at most once.
func (a *Aggregator) Combined() map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.samples) == 0 {
		return nil
	}
	var combined map[string]interface{}
	if len(a.samples) == 1 {
		for _, data := range a.samples {
			combined = data
		}
	} else {
		combined = make(map[string]interface{})
		for _, data := range a.samples {
			for k, v := range data {
				combined[k] = v
			}
		}
	}
	a.samples = make(map[string]map[string]interface{})
	return combined
}

// Len reports how many clients have an unconsumed sample.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.samples)
}
