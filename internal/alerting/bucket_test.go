package alerting

import "testing"

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		score float64
		want  Bucket
	}{
		{0, BucketLow},
		{49, BucketLow},
		{49.99, BucketLow},
		{50, BucketMedium},
		{99, BucketMedium},
		{100, BucketHigh},
		{149, BucketHigh},
		{150, BucketCritical},
		{180, BucketCritical},
	}
	for _, tt := range tests {
		if got := Classify(tt.score); got != tt.want {
			t.Errorf("Classify(%v) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func TestBucket_Alerts(t *testing.T) {
	t.Parallel()

	for _, b := range Buckets {
		want := b == BucketHigh || b == BucketCritical
		if got := b.Alerts(); got != want {
			t.Errorf("%s.Alerts() = %v, want %v", b, got, want)
		}
	}
}

func TestPriority_Next(t *testing.T) {
	t.Parallel()

	tests := map[Priority]Priority{
		PriorityLow:       PriorityMedium,
		PriorityMedium:    PriorityHigh,
		PriorityHigh:      PriorityCritical,
		PriorityCritical:  PriorityEmergency,
		PriorityEmergency: PriorityEmergency,
	}
	for in, want := range tests {
		if got := in.Next(); got != want {
			t.Errorf("%s.Next() = %s, want %s", in, got, want)
		}
	}
}

func TestDominantCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   map[string]float64
		want string
	}{
		{"empty", nil, DefaultCategory},
		{"single", map[string]float64{"cardiovascular": 10}, "cardiovascular"},
		{"highest wins", map[string]float64{"cardiovascular": 10, "mental_health": 70}, "mental_health"},
		{"tie breaks by name", map[string]float64{"substance_abuse": 40, "chronic_disease": 40}, "chronic_disease"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := DominantCategory(tt.in); got != tt.want {
				t.Errorf("DominantCategory = %q, want %q", got, tt.want)
			}
		})
	}
}
