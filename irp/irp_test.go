package irp

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMatchMatches(t *testing.T) {
	var tests = []struct {
		desc  string
		m     Match
		major Major
		minor Minor
		ok    bool
	}{
		{
			desc:  "catch-all matches device control",
			m:     Any(),
			major: MajorDeviceControl,
			ok:    true,
		},
		{
			desc:  "major with any minor matches",
			m:     ForMajor(MajorPnP),
			major: MajorPnP,
			minor: MinorRemoveDevice,
			ok:    true,
		},
		{
			desc:  "major with any minor rejects other major",
			m:     ForMajor(MajorPnP),
			major: MajorPower,
			minor: MinorRemoveDevice,
		},
		{
			desc:  "exact rejects other minor",
			m:     Exact(MajorPnP, MinorStartDevice),
			major: MajorPnP,
			minor: MinorRemoveDevice,
		},
		{
			desc:  "exact matches",
			m:     Exact(MajorPnP, MinorRemoveDevice),
			major: MajorPnP,
			minor: MinorRemoveDevice,
			ok:    true,
		},
		{
			desc:  "any major with fixed minor",
			m:     Match{AnyMajor: true, Minor: MinorSetPower},
			major: MajorPower,
			minor: MinorSetPower,
			ok:    true,
		},
	}

	for i, tt := range tests {
		if want, got := tt.ok, tt.m.Matches(tt.major, tt.minor); want != got {
			t.Fatalf("[%02d] test %q, unexpected match: %v != %v",
				i, tt.desc, want, got)
		}
	}
}

func TestWalk(t *testing.T) {
	var tests = []struct {
		desc    string
		stack   []Outcome
		outcome Outcome
		index   int
		visited []int
	}{
		{
			desc:    "empty stack",
			outcome: Continue,
			index:   -1,
		},
		{
			desc:    "top completes, nothing below runs",
			stack:   []Outcome{Completed, Continue, Completed},
			outcome: Completed,
			index:   2,
			visited: []int{2},
		},
		{
			desc:    "falls through to base",
			stack:   []Outcome{Completed, Continue, Continue},
			outcome: Completed,
			index:   0,
			visited: []int{2, 1, 0},
		},
		{
			desc:    "pending stops walk",
			stack:   []Outcome{Completed, Pending, Continue},
			outcome: Pending,
			index:   1,
			visited: []int{2, 1},
		},
		{
			desc:    "exhausted",
			stack:   []Outcome{Continue, Continue},
			outcome: Continue,
			index:   -1,
			visited: []int{1, 0},
		},
	}

	for i, tt := range tests {
		idx := make([]int, len(tt.stack))
		for j := range idx {
			idx[j] = j
		}

		var visited []int
		o, n := Walk(idx, func(j int) Outcome {
			visited = append(visited, j)
			return tt.stack[j]
		})

		if want, got := tt.outcome, o; want != got {
			t.Fatalf("[%02d] test %q, unexpected outcome: %v != %v",
				i, tt.desc, want, got)
		}
		if want, got := tt.index, n; want != got {
			t.Fatalf("[%02d] test %q, unexpected index: %v != %v",
				i, tt.desc, want, got)
		}
		if want, got := len(tt.visited), len(visited); want != got {
			t.Fatalf("[%02d] test %q, unexpected visits: %v != %v",
				i, tt.desc, tt.visited, visited)
		}
		for j := range visited {
			if tt.visited[j] != visited[j] {
				t.Fatalf("[%02d] test %q, unexpected visit order: %v != %v",
					i, tt.desc, tt.visited, visited)
			}
		}
	}
}

func TestRequestCompleteOnce(t *testing.T) {
	r := New(MajorCreate, 0)
	r.SetOutput([]byte{1, 2, 3, 4})

	if r.Completed() {
		t.Fatal("request completed before Complete")
	}
	if want, got := StatusPending, r.Status(); want != got {
		t.Fatalf("unexpected status: %v != %v", want, got)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins int
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Complete(StatusSuccess, 2); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if want, got := 1, wins; want != got {
		t.Fatalf("unexpected number of completions: %d != %d", want, got)
	}
	if err := r.Complete(StatusUnsuccessful, 0); err != ErrAlreadyCompleted {
		t.Fatalf("unexpected error: %v != %v", ErrAlreadyCompleted, err)
	}
	if want, got := StatusSuccess, r.Status(); want != got {
		t.Fatalf("unexpected status: %v != %v", want, got)
	}
	if want, got := []byte{1, 2}, r.Output(); string(want) != string(got) {
		t.Fatalf("unexpected output: %v != %v", want, got)
	}
}

func TestRequestWait(t *testing.T) {
	r := NewControl(0x1234, nil, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := r.Wait(ctx); err != context.DeadlineExceeded {
		t.Fatalf("unexpected error: %v != %v", context.DeadlineExceeded, err)
	}

	go func() {
		_ = r.Complete(StatusNotSupported, 0)
	}()

	s, err := r.Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want, got := StatusNotSupported, s; want != got {
		t.Fatalf("unexpected status: %v != %v", want, got)
	}
}

func TestStatusSuccess(t *testing.T) {
	var tests = []struct {
		s  Status
		ok bool
	}{
		{s: StatusSuccess, ok: true},
		{s: StatusPending, ok: true},
		{s: StatusNoSuchDevice},
		{s: StatusNotSupported},
	}

	for i, tt := range tests {
		if want, got := tt.ok, tt.s.Success(); want != got {
			t.Fatalf("[%02d] status %v, unexpected success: %v != %v",
				i, tt.s, want, got)
		}
	}
}
