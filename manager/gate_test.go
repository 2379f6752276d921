package manager

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/zhubert/relay-core/claude"
)

func TestGate_AcquireAndRelease(t *testing.T) {
	g := NewGate()

	lease, err := g.TryAcquire("C1", "run the tests")
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}

	if _, err := g.TryAcquire("C1", "another prompt"); err == nil {
		t.Fatal("second acquire on a held channel should fail")
	}

	// Other channels are unaffected
	other, err := g.TryAcquire("C2", "unrelated")
	if err != nil {
		t.Fatalf("TryAcquire on free channel: %v", err)
	}
	other.Release()

	lease.Release()
	lease2, err := g.TryAcquire("C1", "after release")
	if err != nil {
		t.Fatalf("TryAcquire after release: %v", err)
	}
	lease2.Release()
}

func TestGate_BusyCarriesActivePrompt(t *testing.T) {
	g := NewGate()
	lease, err := g.TryAcquire("C1", "deploy the staging environment")
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	defer lease.Release()

	_, err = g.TryAcquire("C1", "something else")
	var busy *claude.BusyError
	if !errors.As(err, &busy) {
		t.Fatalf("err = %v, want BusyError", err)
	}
	if busy.ChannelKey != "C1" {
		t.Errorf("ChannelKey = %q, want C1", busy.ChannelKey)
	}
	if busy.ActivePrompt != "deploy the staging environment" {
		t.Errorf("ActivePrompt = %q", busy.ActivePrompt)
	}
}

func TestGate_ReleaseIdempotent(t *testing.T) {
	g := NewGate()
	lease, err := g.TryAcquire("C1", "first")
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	lease.Release()

	lease2, err := g.TryAcquire("C1", "second")
	if err != nil {
		t.Fatalf("TryAcquire after release: %v", err)
	}

	// Releasing the stale lease again must not free the new holder's claim
	lease.Release()
	if _, err := g.TryAcquire("C1", "third"); err == nil {
		t.Error("stale Release freed a channel held by a newer lease")
	}
	lease2.Release()
}

func TestGate_ActiveChannels(t *testing.T) {
	g := NewGate()
	if got := g.ActiveChannels(); len(got) != 0 {
		t.Fatalf("ActiveChannels = %v, want empty", got)
	}

	l1, _ := g.TryAcquire("C2", "b")
	l2, _ := g.TryAcquire("C1", "a")
	defer l1.Release()
	defer l2.Release()

	got := g.ActiveChannels()
	if len(got) != 2 || got[0] != "C1" || got[1] != "C2" {
		t.Errorf("ActiveChannels = %v, want [C1 C2]", got)
	}
}

func TestGate_ConcurrentAcquire(t *testing.T) {
	g := NewGate()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var leases []*Lease
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lease, err := g.TryAcquire("C1", "race"); err == nil {
				mu.Lock()
				leases = append(leases, lease)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(leases) != 1 {
		t.Errorf("%d acquires succeeded, want exactly 1", len(leases))
	}
	for _, lease := range leases {
		lease.Release()
	}
}

func TestDescribePrompt(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		want   string
	}{
		{"short", "fix the bug", "fix the bug"},
		{"newlines collapsed", "fix\nthe\n\tbug", "fix the bug"},
		{"long truncated", strings.Repeat("x", 200), strings.Repeat("x", 77) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := describePrompt(tt.prompt)
			if got != tt.want {
				t.Errorf("describePrompt = %q, want %q", got, tt.want)
			}
			if len(got) > promptDescriptionMaxLen {
				t.Errorf("description length %d exceeds %d", len(got), promptDescriptionMaxLen)
			}
		})
	}
}
