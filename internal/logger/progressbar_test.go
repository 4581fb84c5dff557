package logger

import (
	"strings"
	"sync"
	"testing"
)

// TestProgressBarRender verifies correct ASCII bar rendering
func TestProgressBarRender(t *testing.T) {
	tests := []struct {
		name     string
		percent  int
		width    int
		expected string
	}{
		{"empty", 0, 10, "[          ]   0%"},
		{"half", 50, 10, "[=====     ]  50%"},
		{"full", 100, 10, "[==========] 100%"},
		{"rounds down", 19, 10, "[=         ]  19%"},
		{"wide", 25, 20, "[=====               ]  25%"},
		{"clamped high", 150, 4, "[====] 100%"},
		{"clamped low", -5, 4, "[    ]   0%"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pb := NewProgressBar(tt.width, false)
			pb.Update(tt.percent)
			if got := pb.Render(); got != tt.expected {
				t.Errorf("Render() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestProgressBarDefaultsWidth(t *testing.T) {
	pb := NewProgressBar(0, false)
	if got := pb.Render(); got != "[          ]   0%" {
		t.Errorf("Render() = %q", got)
	}
}

func TestProgressBarPrefixAndColor(t *testing.T) {
	pb := NewProgressBar(4, true)
	pb.SetPrefix("coding ")
	pb.Update(50)

	got := pb.Render()
	if !strings.HasPrefix(got, "\033[36m") {
		t.Errorf("expected cyan while in progress, got %q", got)
	}
	if !strings.Contains(got, "coding [==  ]  50%") {
		t.Errorf("expected prefix and bar, got %q", got)
	}

	pb.Update(100)
	if got := pb.Render(); !strings.HasPrefix(got, "\033[32m") {
		t.Errorf("expected green when complete, got %q", got)
	}
}

func TestProgressBarConcurrentUpdates(t *testing.T) {
	pb := NewProgressBar(10, false)
	var wg sync.WaitGroup
	for i := 0; i <= 100; i++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			pb.Update(p)
			_ = pb.Render()
		}(i)
	}
	wg.Wait()

	if p := pb.Percentage(); p < 0 || p > 100 {
		t.Errorf("Percentage() out of range: %d", p)
	}
}
