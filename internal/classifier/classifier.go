package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"recycle-rewards-api/internal/models"
)

// Oracle is the external classification collaborator. Given a captured image it
// returns whether any bottle-like label matched at all, plus the ranked
// predictions. The ledger never calls the model directly; the policy below
// derives the point-earning decision from the predictions.
type Oracle interface {
	Classify(ctx context.Context, imagePath string) (bool, []models.Prediction, error)
}

// Policy decides whether a prediction list counts as a plastic bottle.
// Allow and Deny are lowercase label substrings; a label matching any Deny
// entry never counts, except for exact-intent matches like "water_bottle".
type Policy struct {
	Allow []string
	Deny  []string
}

// DefaultPolicy matches the prototype heuristic: any "bottle" label counts
// unless it is a wine or beer bottle, and "water_bottle" always counts.
func DefaultPolicy() Policy {
	return Policy{
		Allow: []string{"bottle"},
		Deny:  []string{"wine", "beer"},
	}
}

// IsPlasticBottle reports whether the ranked predictions describe a plastic
// bottle under this policy. Pure function of its input.
func (p Policy) IsPlasticBottle(predictions []models.Prediction) bool {
	for _, pred := range predictions {
		if strings.Contains(strings.ToLower(pred.Label), "water_bottle") {
			return true
		}
	}

	for _, pred := range predictions {
		label := strings.ToLower(pred.Label)
		if !p.allowed(label) {
			continue
		}
		if p.denied(label) {
			continue
		}
		return true
	}

	return false
}

func (p Policy) allowed(label string) bool {
	for _, allow := range p.Allow {
		if strings.Contains(label, allow) {
			return true
		}
	}
	return false
}

func (p Policy) denied(label string) bool {
	for _, deny := range p.Deny {
		if strings.Contains(label, deny) {
			return true
		}
	}
	return false
}

// HTTPOracle calls an external model server over HTTP.
type HTTPOracle struct {
	endpoint string
	client   *http.Client
}

// NewHTTPOracle creates an oracle client for the given model-server endpoint.
func NewHTTPOracle(endpoint string, timeout time.Duration) *HTTPOracle {
	return &HTTPOracle{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type classifyRequest struct {
	ImagePath string `json:"image_path"`
}

type classifyResponse struct {
	IsBottle    bool                `json:"is_bottle"`
	Predictions []models.Prediction `json:"predictions"`
}

// Classify posts the image path to the model server and returns its decision
// and ranked predictions.
func (o *HTTPOracle) Classify(ctx context.Context, imagePath string) (bool, []models.Prediction, error) {
	body, err := json.Marshal(classifyRequest{ImagePath: imagePath})
	if err != nil {
		return false, nil, fmt.Errorf("failed to marshal classify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, nil, fmt.Errorf("failed to build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return false, nil, fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}

	var cr classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return false, nil, fmt.Errorf("failed to decode classifier response: %w", err)
	}

	return cr.IsBottle, cr.Predictions, nil
}
