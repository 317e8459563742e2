package trainer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/mailward/tuner/core"
)

// ExtractorRegistry holds the per-agent feature extractors. Extraction
// heuristics live with the agents; this subsystem only calls them.
type ExtractorRegistry struct {
	extractors map[string]core.FeatureExtractor
	mu         sync.RWMutex
}

// NewExtractorRegistry creates an empty registry.
func NewExtractorRegistry() *ExtractorRegistry {
	return &ExtractorRegistry{
		extractors: make(map[string]core.FeatureExtractor),
	}
}

// Register binds an extractor to an agent, replacing any previous one.
func (r *ExtractorRegistry) Register(agent string, extractor core.FeatureExtractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[agent] = extractor
}

// Lookup returns the extractor for an agent.
func (r *ExtractorRegistry) Lookup(agent string) (core.FeatureExtractor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	extractor, ok := r.extractors[agent]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownAgent, agent)
	}
	return extractor, nil
}

// MessageExtractor is a simple reference extractor for email-shaped payloads.
// It is mostly useful in tests and as a template for real agents.
type MessageExtractor struct{}

// FeatureNames lists the features in extraction order.
func (MessageExtractor) FeatureNames() []string {
	return []string{"subject_length", "body_length", "link_count", "has_attachment", "sender_known"}
}

// Extract maps an email-shaped payload to its feature vector.
func (MessageExtractor) Extract(payload map[string]any) ([]float64, error) {
	subject, _ := payload["subject"].(string)
	body, _ := payload["body"].(string)

	features := []float64{
		float64(len(subject)),
		float64(len(body)),
		float64(strings.Count(body, "http")),
		boolFeature(payload["has_attachment"]),
		boolFeature(payload["sender_known"]),
	}
	return features, nil
}

// boolFeature converts a payload boolean to 0/1, tolerating numeric encodings.
func boolFeature(v any) float64 {
	switch t := v.(type) {
	case bool:
		if t {
			return 1
		}
	case float64:
		if t != 0 {
			return 1
		}
	case int:
		if t != 0 {
			return 1
		}
	}
	return 0
}
