package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"recycle-rewards-api/internal/models"
)

func TestPolicy_IsPlasticBottle(t *testing.T) {
	policy := DefaultPolicy()

	tests := []struct {
		name        string
		predictions []models.Prediction
		want        bool
	}{
		{
			name: "water bottle accepted",
			predictions: []models.Prediction{
				{ID: "n04557648", Label: "water_bottle", Probability: 0.91},
			},
			want: true,
		},
		{
			name: "generic bottle accepted",
			predictions: []models.Prediction{
				{ID: "n03983396", Label: "pop_bottle", Probability: 0.64},
			},
			want: true,
		},
		{
			name: "wine bottle rejected",
			predictions: []models.Prediction{
				{ID: "n04591713", Label: "wine_bottle", Probability: 0.88},
			},
			want: false,
		},
		{
			name: "beer bottle rejected",
			predictions: []models.Prediction{
				{ID: "n02823428", Label: "beer_bottle", Probability: 0.77},
			},
			want: false,
		},
		{
			name: "water bottle wins even ranked below wine",
			predictions: []models.Prediction{
				{ID: "n04591713", Label: "wine_bottle", Probability: 0.52},
				{ID: "n04557648", Label: "water_bottle", Probability: 0.31},
			},
			want: true,
		},
		{
			name: "non-bottle rejected",
			predictions: []models.Prediction{
				{ID: "n03793489", Label: "mouse", Probability: 0.95},
			},
			want: false,
		},
		{
			name:        "empty predictions rejected",
			predictions: nil,
			want:        false,
		},
		{
			name: "mixed list with one acceptable bottle",
			predictions: []models.Prediction{
				{ID: "n02823428", Label: "beer_bottle", Probability: 0.40},
				{ID: "n04560804", Label: "water_jug", Probability: 0.30},
				{ID: "n03983396", Label: "pop_bottle", Probability: 0.20},
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := policy.IsPlasticBottle(tt.predictions)
			if got != tt.want {
				t.Errorf("IsPlasticBottle() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPolicy_Configurable(t *testing.T) {
	// A stricter deployment that also refuses soda bottles.
	policy := Policy{
		Allow: []string{"bottle"},
		Deny:  []string{"wine", "beer", "pop"},
	}

	preds := []models.Prediction{
		{ID: "n03983396", Label: "pop_bottle", Probability: 0.80},
	}
	if policy.IsPlasticBottle(preds) {
		t.Error("Expected pop_bottle rejected under custom deny list")
	}
}

func TestHTTPOracle_Classify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ImagePath string `json:"image_path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode oracle request: %v", err)
		}
		if req.ImagePath != "/captures/step1.jpg" {
			t.Errorf("Unexpected image path: %s", req.ImagePath)
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"is_bottle": true,
			"predictions": []models.Prediction{
				{ID: "n04557648", Label: "water_bottle", Probability: 0.91},
			},
		})
	}))
	defer srv.Close()

	oracle := NewHTTPOracle(srv.URL, 2*time.Second)
	isBottle, predictions, err := oracle.Classify(context.Background(), "/captures/step1.jpg")
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if !isBottle {
		t.Error("Expected is_bottle true")
	}
	if len(predictions) != 1 || predictions[0].Label != "water_bottle" {
		t.Errorf("Unexpected predictions: %+v", predictions)
	}
}

func TestHTTPOracle_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	oracle := NewHTTPOracle(srv.URL, 2*time.Second)
	_, _, err := oracle.Classify(context.Background(), "/captures/step1.jpg")
	if err == nil {
		t.Fatal("Expected error on oracle failure")
	}
}
