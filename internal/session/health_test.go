package session

import (
	"testing"
	"time"
)

func TestHealthScore(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   HealthInput
		want int
	}{
		{
			name: "fresh session is perfect",
			in: HealthInput{
				Now:            base,
				CreatedAt:      base,
				ExpiresAt:      base.Add(15 * time.Minute),
				LastActivityAt: base,
				Extensions:     0,
				MaxExtensions:  8,
				FingerprintOK:  true,
			},
			want: 100,
		},
		{
			name: "fingerprint drift floors the score",
			in: HealthInput{
				Now:            base,
				CreatedAt:      base,
				ExpiresAt:      base.Add(15 * time.Minute),
				LastActivityAt: base,
				MaxExtensions:  8,
				FingerprintOK:  false,
			},
			want: 0,
		},
		{
			name: "expired session keeps only extension points",
			in: HealthInput{
				Now:            base.Add(20 * time.Minute),
				CreatedAt:      base,
				ExpiresAt:      base.Add(15 * time.Minute),
				LastActivityAt: base,
				Extensions:     0,
				MaxExtensions:  8,
				FingerprintOK:  true,
			},
			want: 30,
		},
		{
			name: "all extensions spent",
			in: HealthInput{
				Now:            base,
				CreatedAt:      base,
				ExpiresAt:      base.Add(15 * time.Minute),
				LastActivityAt: base,
				Extensions:     8,
				MaxExtensions:  8,
				FingerprintOK:  true,
			},
			want: 70,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HealthScore(tt.in); got != tt.want {
				t.Errorf("HealthScore = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestHealthScorePure(t *testing.T) {
	in := HealthInput{
		Now:            time.Date(2025, 6, 1, 12, 7, 0, 0, time.UTC),
		CreatedAt:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		ExpiresAt:      time.Date(2025, 6, 1, 12, 15, 0, 0, time.UTC),
		LastActivityAt: time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC),
		Extensions:     2,
		MaxExtensions:  8,
		FingerprintOK:  true,
	}
	first := HealthScore(in)
	for i := 0; i < 10; i++ {
		if HealthScore(in) != first {
			t.Fatal("HealthScore must be deterministic for fixed input")
		}
	}
	if first <= 0 || first >= 100 {
		t.Errorf("mid-life score %d should be strictly between 0 and 100", first)
	}
}
