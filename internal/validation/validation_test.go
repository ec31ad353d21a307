package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/kjstillabower/prediction-subnet/internal/models"
)

func TestValidatePredictionRequest(t *testing.T) {
	tests := []struct {
		name      string
		req       models.PredictionRequest
		wantErr   bool
		wantField string
	}{
		{"valid", models.PredictionRequest{Category: "crypto", Pair: "BTCUSDT", Timestamp: 1700000000}, false, ""},
		{"lower-case pair normalized", models.PredictionRequest{Category: "crypto", Pair: " btcusdt ", Timestamp: 1}, false, ""},
		{"unknown category still valid", models.PredictionRequest{Category: "weather", Pair: "SEA", Timestamp: 1}, false, ""},
		{"empty category", models.PredictionRequest{Category: "  ", Pair: "BTCUSDT", Timestamp: 1}, true, "category"},
		{"empty pair", models.PredictionRequest{Category: "crypto", Timestamp: 1}, true, "pair"},
		{"short pair", models.PredictionRequest{Category: "crypto", Pair: "BT", Timestamp: 1}, true, "pair"},
		{"pair with slash", models.PredictionRequest{Category: "crypto", Pair: "BTC/USDT", Timestamp: 1}, true, "pair"},
		{"long pair", models.PredictionRequest{Category: "crypto", Pair: strings.Repeat("A", 21), Timestamp: 1}, true, "pair"},
		{"zero timestamp", models.PredictionRequest{Category: "crypto", Pair: "BTCUSDT"}, true, "timestamp"},
		{"negative timestamp", models.PredictionRequest{Category: "crypto", Pair: "BTCUSDT", Timestamp: -5}, true, "timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidatePredictionRequest(tt.req)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRequest) {
					t.Fatalf("error = %v, want ErrInvalidRequest", err)
				}
				if !strings.Contains(strings.ToLower(err.Error()), tt.wantField) {
					t.Errorf("error = %v, want field %q named", err, tt.wantField)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Pair != strings.ToUpper(strings.TrimSpace(tt.req.Pair)) {
				t.Errorf("Pair = %q, want normalized", got.Pair)
			}
		})
	}
}

func TestValidateVote(t *testing.T) {
	tests := []struct {
		name    string
		in      VoteInput
		max     int
		wantErr bool
	}{
		{"valid", VoteInput{UIDs: []int{0, 1}, Weights: []int{10, 0}}, 5, false},
		{"no cap", VoteInput{UIDs: []int{0, 1, 2}, Weights: []int{1, 2, 3}}, 0, false},
		{"empty", VoteInput{}, 5, true},
		{"length mismatch", VoteInput{UIDs: []int{0, 1}, Weights: []int{1}}, 5, true},
		{"negative weight", VoteInput{UIDs: []int{0}, Weights: []int{-1}}, 5, true},
		{"negative uid", VoteInput{UIDs: []int{-1}, Weights: []int{1}}, 5, true},
		{"duplicate uid", VoteInput{UIDs: []int{3, 3}, Weights: []int{1, 1}}, 5, true},
		{"too many entries", VoteInput{UIDs: []int{0, 1, 2}, Weights: []int{1, 1, 1}}, 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVote(tt.in, tt.max)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidVote) {
					t.Errorf("error = %v, want ErrInvalidVote", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateRegistration(t *testing.T) {
	tests := []struct {
		name    string
		in      RegisterInput
		wantErr bool
	}{
		{"valid", RegisterInput{Name: "miner-1", Address: "10.0.0.5:8000"}, false},
		{"missing name", RegisterInput{Address: "10.0.0.5:8000"}, true},
		{"hostname address", RegisterInput{Name: "m", Address: "localhost:8000"}, true},
		{"missing port", RegisterInput{Name: "m", Address: "10.0.0.5"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRegistration(tt.in)
			if tt.wantErr != (err != nil) {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidModule) {
				t.Errorf("error = %v, want ErrInvalidModule", err)
			}
		})
	}
}
