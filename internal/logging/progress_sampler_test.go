package logging

import "testing"

func TestNewProgressSamplerDefaults(t *testing.T) {
	tests := []struct {
		name       string
		bucketSize float64
		want       float64
	}{
		{"zero falls back", 0, 10},
		{"negative falls back", -3, 10},
		{"custom", 25, 25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewProgressSampler(tt.bucketSize)
			if s.bucketSize != tt.want {
				t.Fatalf("bucketSize = %v, want %v", s.bucketSize, tt.want)
			}
		})
	}
}

func TestProgressSamplerNilAlwaysLogs(t *testing.T) {
	var s *ProgressSampler
	if !s.ShouldLog(42, "download") {
		t.Fatal("nil sampler should always log")
	}
}

func TestProgressSamplerBuckets(t *testing.T) {
	s := NewProgressSampler(10)
	if !s.ShouldLog(0, "download") {
		t.Fatal("first event should log")
	}
	if s.ShouldLog(4, "download") {
		t.Fatal("same bucket should be suppressed")
	}
	if !s.ShouldLog(12, "download") {
		t.Fatal("new bucket should log")
	}
	if s.ShouldLog(-1, "download") {
		t.Fatal("unknown percent in same phase should be suppressed")
	}
	if !s.ShouldLog(-1, "verify") {
		t.Fatal("phase change should log")
	}
	if !s.ShouldLog(150, "verify") {
		t.Fatal("completion should log once")
	}
	if s.ShouldLog(100, "verify") {
		t.Fatal("completion should not repeat")
	}
}
