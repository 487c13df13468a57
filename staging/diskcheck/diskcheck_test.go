package diskcheck

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
)

func fixedStatfs(free uint64) func(string, *syscall.Statfs_t) error {
	return func(path string, buf *syscall.Statfs_t) error {
		buf.Bsize = 4096
		buf.Blocks = 1000
		buf.Bfree = free
		return nil
	}
}

// flakyfs alternates between a full and an empty disk on every call.
type flakyfs struct {
	mu   sync.Mutex
	full bool
}

func (f *flakyfs) Statfs(path string, buf *syscall.Statfs_t) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	buf.Bsize = 4096
	buf.Blocks = 1000
	buf.Bfree = 1000
	if f.full {
		buf.Bfree = 0
	}
	f.full = !f.full
	return nil
}

func run(t *testing.T, fs func(string, *syscall.Statfs_t) error) (Checker, func()) {
	t.Helper()

	statfs = fs
	c, err := New("/notexists", 90, 60, 10*time.Millisecond, log.NewNopLogger())
	if err != nil {
		statfs = syscall.Statfs
		t.Fatalf("Error initializing disk checker: %q", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Run(ctx)
	}()

	return c, func() {
		cancel()
		wg.Wait()
		statfs = syscall.Statfs
	}
}

func TestEmptyDisk(t *testing.T) {
	c, stop := run(t, fixedStatfs(1000))
	defer stop()

	time.Sleep(50 * time.Millisecond)
	select {
	case state := <-c.C():
		t.Fatalf("Received unexpected %q", state)
	default:
	}
}

func TestFullDisk(t *testing.T) {
	c, stop := run(t, fixedStatfs(0))
	defer stop()

	if state := <-c.C(); state != Sick {
		t.Fatalf("Expected: %q but got: %q", Sick, state)
	}

	// no transition while the disk remains full
	time.Sleep(50 * time.Millisecond)
	select {
	case state := <-c.C():
		t.Fatalf("Received unexpected %q", state)
	default:
	}
}

func TestFlakyDisk(t *testing.T) {
	f := &flakyfs{full: true}
	c, stop := run(t, f.Statfs)
	defer stop()

	for _, expected := range []Health{Sick, Healthy, Sick} {
		if state := <-c.C(); state != expected {
			t.Fatalf("Expected: %q but got: %q", expected, state)
		}
	}
}

func TestCancelWhileReporting(t *testing.T) {
	// nobody reads the transition; Run must still return
	_, stop := run(t, fixedStatfs(0))
	time.Sleep(50 * time.Millisecond)
	stop()
}

func TestNewInvalidThresholds(t *testing.T) {
	statfs = fixedStatfs(1000)
	defer func() { statfs = syscall.Statfs }()

	cases := []struct{ high, low int }{
		{60, 90},
		{50, 50},
		{90, -1},
		{101, 60},
	}
	for _, tc := range cases {
		if _, err := New("/notexists", tc.high, tc.low, time.Second, log.NewNopLogger()); err == nil {
			t.Errorf("Expected error for high=%d low=%d", tc.high, tc.low)
		}
	}
}
