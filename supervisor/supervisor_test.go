package supervisor

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func shell(script string) Command {
	return Command{Path: "sh", Args: []string{"-c", script}}
}

func fallbackTo(t *testing.T, path string, content []byte) Fallback {
	t.Helper()
	return func() (string, error) {
		if err := os.WriteFile(path, content, 0644); err != nil {
			return "", err
		}
		return path, nil
	}
}

func TestRunAcceptsValidOutput(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.bin")

	sup := &Supervisor{Stage: "test"}
	got, err := sup.Run(context.Background(),
		shell("printf 'hello world, plenty of bytes here' > "+out),
		Expectation{OutputCandidates: []string{out}, MinValidSize: 10},
		FixedTimeout(10*time.Second),
		fallbackTo(t, filepath.Join(dir, "fb.bin"), bytes.Repeat([]byte("f"), 64)))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got != out {
		t.Errorf("Run returned %s, want the primary output %s", got, out)
	}
}

// A valid output file wins even when the tool exits nonzero. ML tools crash
// in their own cleanup all the time.
func TestRunAcceptsOutputDespiteExitCode(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.bin")

	var report Report
	sup := &Supervisor{Stage: "test", OnReport: func(r Report) { report = r }}

	got, err := sup.Run(context.Background(),
		shell("printf 'valid output written before the crash' > "+out+"; exit 3"),
		Expectation{OutputCandidates: []string{out}, MinValidSize: 10},
		FixedTimeout(10*time.Second),
		fallbackTo(t, filepath.Join(dir, "fb.bin"), bytes.Repeat([]byte("f"), 64)))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got != out {
		t.Errorf("Run returned %s, want %s", got, out)
	}
	if report.ExitCode != 3 {
		t.Errorf("Report.ExitCode = %d, want 3", report.ExitCode)
	}
	if report.FallbackUsed {
		t.Error("Fallback ran despite a valid primary output")
	}
}

func TestRunFallbackOnMissingOutput(t *testing.T) {
	dir := t.TempDir()
	fb := filepath.Join(dir, "fb.bin")

	var report Report
	sup := &Supervisor{Stage: "test", OnReport: func(r Report) { report = r }}

	got, err := sup.Run(context.Background(),
		shell("exit 0"),
		Expectation{OutputCandidates: []string{filepath.Join(dir, "never.bin")}, MinValidSize: 10},
		FixedTimeout(10*time.Second),
		fallbackTo(t, fb, bytes.Repeat([]byte("f"), 64)))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got != fb {
		t.Errorf("Run returned %s, want the fallback %s", got, fb)
	}
	if !report.FallbackUsed {
		t.Error("Report does not record the fallback")
	}
}

func TestRunFallbackOnUndersizedOutput(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.bin")
	fb := filepath.Join(dir, "fb.bin")

	sup := &Supervisor{Stage: "test"}
	got, err := sup.Run(context.Background(),
		shell("printf x > "+out),
		Expectation{OutputCandidates: []string{out}, MinValidSize: 100},
		FixedTimeout(10*time.Second),
		fallbackTo(t, fb, bytes.Repeat([]byte("f"), 200)))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got != fb {
		t.Errorf("Run returned %s, want the fallback %s", got, fb)
	}
}

// A hung process is killed within timeout + grace.
func TestRunTimeoutUpperBound(t *testing.T) {
	dir := t.TempDir()
	fb := filepath.Join(dir, "fb.bin")

	var report Report
	sup := &Supervisor{Stage: "test", OnReport: func(r Report) { report = r }}

	started := time.Now()
	got, err := sup.Run(context.Background(),
		shell("sleep 60"),
		Expectation{OutputCandidates: []string{filepath.Join(dir, "never.bin")}, MinValidSize: 10},
		FixedTimeout(1*time.Second),
		fallbackTo(t, fb, bytes.Repeat([]byte("f"), 64)))
	elapsed := time.Since(started)

	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got != fb {
		t.Errorf("Run returned %s, want the fallback %s", got, fb)
	}
	if !report.TimedOut {
		t.Error("Report does not record the timeout")
	}
	if elapsed > 1*time.Second+killGracePeriod+2*time.Second {
		t.Errorf("Kill took %s, want under timeout+grace", elapsed)
	}
}

func TestRunErrorWhenFallbackFails(t *testing.T) {
	dir := t.TempDir()

	sup := &Supervisor{Stage: "test"}
	_, err := sup.Run(context.Background(),
		shell("exit 1"),
		Expectation{OutputCandidates: []string{filepath.Join(dir, "never.bin")}, MinValidSize: 10},
		FixedTimeout(10*time.Second),
		func() (string, error) { return "", os.ErrNotExist })
	if err == nil {
		t.Fatal("Expected an error when primary and fallback both fail")
	}
}

func TestRunNilFallbackRejected(t *testing.T) {
	sup := &Supervisor{Stage: "test"}
	_, err := sup.Run(context.Background(), shell("true"), Expectation{}, FixedTimeout(time.Second), nil)
	if err == nil {
		t.Fatal("Expected an error for a missing fallback")
	}
}

// Cancellation propagates without invoking the fallback.
func TestRunCancellationSkipsFallback(t *testing.T) {
	dir := t.TempDir()
	fallbackRan := false

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	sup := &Supervisor{Stage: "test"}
	_, err := sup.Run(ctx,
		shell("sleep 60"),
		Expectation{OutputCandidates: []string{filepath.Join(dir, "never.bin")}, MinValidSize: 10},
		FixedTimeout(30*time.Second),
		func() (string, error) {
			fallbackRan = true
			return "", nil
		})
	if err != context.Canceled {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
	if fallbackRan {
		t.Error("Fallback ran on cancellation")
	}
}

func TestRunProgressReportsGrowth(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.bin")

	var samples []Progress
	sup := &Supervisor{Stage: "test", OnProgress: func(p Progress) { samples = append(samples, p) }}

	// Write in two bursts so at least one poll sees growth.
	_, err := sup.Run(context.Background(),
		shell("printf start > "+out+"; sleep 5; printf 'more bytes appended' >> "+out),
		Expectation{OutputCandidates: []string{out}, MinValidSize: 5},
		FixedTimeout(30*time.Second),
		fallbackTo(t, filepath.Join(dir, "fb.bin"), bytes.Repeat([]byte("f"), 64)))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(samples) == 0 {
		t.Fatal("No progress samples for a multi-second run")
	}
	if samples[len(samples)-1].BytesProduced == 0 {
		t.Error("Progress never observed the output growing")
	}
}

func TestLineRingKeepsTail(t *testing.T) {
	ring := newLineRing(3)
	input := "one\ntwo\nthree\nfour\nfive\n"
	ring.consume(strings.NewReader(input))

	tail := ring.Tail()
	want := []string{"three", "four", "five"}
	if len(tail) != len(want) {
		t.Fatalf("Tail has %d lines, want %d", len(tail), len(want))
	}
	for i := range want {
		if tail[i] != want[i] {
			t.Errorf("Tail[%d] = %q, want %q", i, tail[i], want[i])
		}
	}
}

func TestTimeoutPolicyResolve(t *testing.T) {
	if got := FixedTimeout(42 * time.Second).Resolve(); got != 42*time.Second {
		t.Errorf("Fixed policy resolved to %s", got)
	}
	// No audio path and no fixed limit falls back to the default.
	if got := (TimeoutPolicy{}).Resolve(); got != DefaultTimeout {
		t.Errorf("Empty policy resolved to %s, want %s", got, DefaultTimeout)
	}
	// Unmeasurable audio falls back to the default too.
	if got := AudioDerivedTimeout("/nonexistent/audio.mp3").Resolve(); got != DefaultTimeout {
		t.Errorf("Unmeasurable audio resolved to %s, want %s", got, DefaultTimeout)
	}
}

func TestExpectationGlobCandidates(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "run_001")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	path := filepath.Join(nested, "result.mp4")
	if err := os.WriteFile(path, bytes.Repeat([]byte("v"), 64), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	expect := Expectation{
		OutputGlobs:  []string{filepath.Join(dir, "*", "*.mp4")},
		MinValidSize: 10,
	}
	if got := chooseOutput(expect); got != path {
		t.Errorf("chooseOutput = %q, want %q", got, path)
	}
}
