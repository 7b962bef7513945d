package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Entities is the structured output of the external classifier.
type Entities struct {
	Service    string                 `json:"service"`
	Action     string                 `json:"action"`
	Resources  []string               `json:"resources,omitempty"`
	Regions    []string               `json:"regions,omitempty"`
	Filters    map[string]string      `json:"filters,omitempty"` // "idle", "unused_days", ...
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Confidence float64                `json:"confidence"`
}

// Classifier turns free text into entities. The real implementation
// calls out to an LLM service; the parser only depends on this
// capability so tests can swap it.
type Classifier interface {
	Classify(ctx context.Context, text string) (Entities, error)
}

// HTTPClassifier calls an external classification endpoint.
type HTTPClassifier struct {
	url    string
	client *http.Client
}

func NewHTTPClassifier(url string) *HTTPClassifier {
	return &HTTPClassifier{
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *HTTPClassifier) Classify(ctx context.Context, text string) (Entities, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return Entities{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Entities{}, fmt.Errorf("intent: build classifier request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Entities{}, fmt.Errorf("intent: classifier call failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Entities{}, fmt.Errorf("intent: classifier returned %d", resp.StatusCode)
	}
	var out Entities
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Entities{}, fmt.Errorf("intent: decode classifier response: %w", err)
	}
	return out, nil
}

// StaticClassifier resolves text against a fixed table, matching the
// longest registered phrase contained in the input. Tests and the
// offline profile use it.
type StaticClassifier struct {
	table map[string]Entities
}

func NewStaticClassifier() *StaticClassifier {
	return &StaticClassifier{table: make(map[string]Entities)}
}

// Add registers the entities returned when phrase occurs in the text.
func (c *StaticClassifier) Add(phrase string, e Entities) *StaticClassifier {
	c.table[strings.ToLower(phrase)] = e
	return c
}

func (c *StaticClassifier) Classify(_ context.Context, text string) (Entities, error) {
	lower := strings.ToLower(text)
	best := ""
	for phrase := range c.table {
		if strings.Contains(lower, phrase) && len(phrase) > len(best) {
			best = phrase
		}
	}
	if best == "" {
		return Entities{Confidence: 0}, nil
	}
	return c.table[best], nil
}
