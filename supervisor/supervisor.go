// Package supervisor runs external commands that are expected to produce one
// output file, adding progress observation, bounded latency, and a fallback
// producer for when the tool fails or hangs.
//
// Return codes from ML tooling are advisory at best; a valid output file is
// authoritative. Several of the supervised tools write perfectly good output
// and then crash during their own cleanup.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"podcast_video_gen/internal/mediautil"
)

const (
	// DefaultTimeout applies when the timeout policy cannot measure its
	// input audio.
	DefaultTimeout = 600 * time.Second

	// killGracePeriod is how long a process group gets between SIGTERM and
	// SIGKILL after a timeout.
	killGracePeriod = 5 * time.Second

	growthPollInterval = 2 * time.Second
	logTailLines       = 2000
)

// Command describes one external invocation. Env entries are appended to the
// inherited environment (GPU allocator tuning, device selection).
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

func (c Command) String() string {
	return c.Path + " " + strings.Join(c.Args, " ")
}

// Expectation names where the tool is supposed to write and how big the file
// must be to count. Multiple candidates are tolerated because some tools
// write into their own CWD no matter what their arguments say. OutputGlobs
// cover tools that invent timestamped result paths; they are re-expanded on
// every poll.
type Expectation struct {
	OutputCandidates []string
	OutputGlobs      []string
	MinValidSize     int64
	// ExpectedSize, when known, feeds the ETA estimate in progress events.
	ExpectedSize int64
}

func (e Expectation) candidates() []string {
	out := append([]string(nil), e.OutputCandidates...)
	for _, pattern := range e.OutputGlobs {
		if matches, err := filepath.Glob(pattern); err == nil {
			out = append(out, matches...)
		}
	}
	return out
}

// TimeoutPolicy bounds the wall-clock time of one supervised command.
type TimeoutPolicy struct {
	Fixed time.Duration
	// AudioPath, when set, derives the limit as 2×duration + 300 s.
	AudioPath string
}

// FixedTimeout returns a policy with a hard wall-clock limit.
func FixedTimeout(d time.Duration) TimeoutPolicy {
	return TimeoutPolicy{Fixed: d}
}

// AudioDerivedTimeout returns a policy scaled to the input audio length.
func AudioDerivedTimeout(audioPath string) TimeoutPolicy {
	return TimeoutPolicy{AudioPath: audioPath}
}

// Resolve turns the policy into a concrete duration.
func (p TimeoutPolicy) Resolve() time.Duration {
	if p.Fixed > 0 {
		return p.Fixed
	}
	if p.AudioPath != "" {
		if seconds, err := mediautil.GetMediaDuration(p.AudioPath); err == nil {
			return time.Duration(2*seconds+300) * time.Second
		}
		log.Printf("⚠️ Could not measure audio duration for timeout, using default %s", DefaultTimeout)
	}
	return DefaultTimeout
}

// Fallback produces a minimally-acceptable artifact when the primary command
// fails. It is never optional.
type Fallback func() (string, error)

// Progress is emitted while a supervised command runs.
type Progress struct {
	Stage         string
	Elapsed       time.Duration
	BytesProduced int64
	StallCount    int
	ETASeconds    float64
}

// Report summarizes one finished supervision span.
type Report struct {
	Stage        string
	Command      string
	ExitCode     int
	WallTime     time.Duration
	OutputPath   string
	FallbackUsed bool
	TimedOut     bool
	GPUPeak      float64
	GPUAverage   float64
	LogTail      []string
}

// Supervisor runs commands for one named stage. OnProgress and OnReport are
// plain callbacks so neither side holds a reference back into the other.
type Supervisor struct {
	Stage      string
	SampleGPU  bool
	OnProgress func(Progress)
	OnReport   func(Report)
}

// Run executes the command and returns a path to a valid artifact. Ordinary
// failure (bad exit, timeout, missing output) never surfaces as an error:
// the fallback runs instead. An error means the fallback itself failed,
// which is an unrecoverable environment problem.
func (s *Supervisor) Run(ctx context.Context, command Command, expect Expectation, policy TimeoutPolicy, fallback Fallback) (string, error) {
	if fallback == nil {
		return "", fmt.Errorf("supervised stage %s configured without a fallback", s.Stage)
	}

	timeout := policy.Resolve()
	report, primaryPath := s.runPrimary(ctx, command, expect, timeout)

	if ctx.Err() != nil {
		// Cancellation propagates; no fallback, no report spam.
		return "", ctx.Err()
	}

	if primaryPath != "" {
		report.OutputPath = primaryPath
		s.emitReport(report)
		return primaryPath, nil
	}

	log.Printf("⚠️ [%s] primary command failed (exit=%d timeout=%v), invoking fallback",
		s.Stage, report.ExitCode, report.TimedOut)

	fallbackPath, err := fallback()
	if err != nil {
		s.emitReport(report)
		return "", fmt.Errorf("stage %s: primary failed and fallback failed too: %v", s.Stage, err)
	}
	if size, err := mediautil.GetFileSize(fallbackPath); err != nil || size < expect.MinValidSize {
		s.emitReport(report)
		return "", fmt.Errorf("stage %s: fallback produced an invalid artifact %s", s.Stage, fallbackPath)
	}

	report.OutputPath = fallbackPath
	report.FallbackUsed = true
	s.emitReport(report)
	return fallbackPath, nil
}

// runPrimary launches and waits on the external command. It returns the
// chosen valid output path, or "" on failure.
func (s *Supervisor) runPrimary(ctx context.Context, command Command, expect Expectation, timeout time.Duration) (Report, string) {
	started := time.Now()
	report := Report{Stage: s.Stage, Command: command.String(), ExitCode: -1}

	cmd := exec.Command(command.Path, command.Args...)
	cmd.Dir = command.Dir
	cmd.Env = append(os.Environ(), command.Env...)
	// Own process group so a timeout kill reaches the tool's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutRing := newLineRing(logTailLines)
	stderrRing := newLineRing(logTailLines)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.Printf("❌ [%s] failed to open stdout pipe: %v", s.Stage, err)
		return report, ""
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		log.Printf("❌ [%s] failed to open stderr pipe: %v", s.Stage, err)
		return report, ""
	}

	if err := cmd.Start(); err != nil {
		log.Printf("❌ [%s] failed to start %s: %v", s.Stage, command.Path, err)
		report.LogTail = []string{err.Error()}
		return report, ""
	}

	go stdoutRing.consume(stdout)
	go stderrRing.consume(stderr)

	var sampler *gpuSampler
	if s.SampleGPU {
		sampler = startGPUSampler()
	}

	monitorStop := make(chan struct{})
	go s.monitorGrowth(monitorStop, started, expect)

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-waitDone:
	case <-timer.C:
		report.TimedOut = true
		log.Printf("⏱️ [%s] timed out after %s, killing process group %d", s.Stage, timeout, cmd.Process.Pid)
		killProcessGroup(cmd.Process.Pid, waitDone)
		waitErr = <-waitDone
	case <-ctx.Done():
		log.Printf("🛑 [%s] cancelled, killing process group %d", s.Stage, cmd.Process.Pid)
		killProcessGroup(cmd.Process.Pid, waitDone)
		<-waitDone
		waitErr = ctx.Err()
	}

	close(monitorStop)
	if sampler != nil {
		report.GPUPeak, report.GPUAverage = sampler.Finish()
	}

	report.WallTime = time.Since(started)
	report.ExitCode = exitCode(waitErr)
	report.LogTail = append(stdoutRing.Tail(), stderrRing.Tail()...)

	if ctx.Err() != nil {
		// Cancellation is not a failure to paper over with a fallback.
		return report, ""
	}

	// A valid output file wins regardless of exit code.
	chosen := chooseOutput(expect)
	if chosen != "" {
		if report.ExitCode != 0 {
			log.Printf("⚠️ [%s] exit code %d but output %s is valid, accepting it", s.Stage, report.ExitCode, chosen)
		}
		return report, chosen
	}

	if len(report.LogTail) > 0 {
		tail := report.LogTail
		if len(tail) > 10 {
			tail = tail[len(tail)-10:]
		}
		log.Printf("[%s] last output lines:\n%s", s.Stage, strings.Join(tail, "\n"))
	}
	return report, ""
}

// monitorGrowth polls the candidate outputs and emits progress samples until
// stopped.
func (s *Supervisor) monitorGrowth(stop chan struct{}, started time.Time, expect Expectation) {
	ticker := time.NewTicker(growthPollInterval)
	defer ticker.Stop()

	var lastSize int64
	stalls := 0

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			size := largestCandidate(expect.candidates())
			if size > lastSize {
				stalls = 0
			} else {
				stalls++
			}

			progress := Progress{
				Stage:         s.Stage,
				Elapsed:       time.Since(started),
				BytesProduced: size,
				StallCount:    stalls,
			}
			if expect.ExpectedSize > 0 && size > lastSize {
				rate := float64(size) / time.Since(started).Seconds()
				if rate > 0 {
					progress.ETASeconds = float64(expect.ExpectedSize-size) / rate
				}
			}
			lastSize = size

			if s.OnProgress != nil {
				s.OnProgress(progress)
			}
		}
	}
}

func (s *Supervisor) emitReport(report Report) {
	log.Printf("📋 [%s] exit=%d wall=%s output=%s fallback=%v",
		report.Stage, report.ExitCode, report.WallTime.Round(time.Millisecond),
		report.OutputPath, report.FallbackUsed)
	if s.OnReport != nil {
		s.OnReport(report)
	}
}

// chooseOutput returns the first candidate that meets the minimum size.
func chooseOutput(expect Expectation) string {
	for _, candidate := range expect.candidates() {
		size, err := mediautil.GetFileSize(candidate)
		if err == nil && size >= expect.MinValidSize {
			return candidate
		}
	}
	return ""
}

func largestCandidate(candidates []string) int64 {
	var largest int64
	for _, candidate := range candidates {
		if size, err := mediautil.GetFileSize(candidate); err == nil && size > largest {
			largest = size
		}
	}
	return largest
}

// killProcessGroup sends SIGTERM to the group, waits the grace period, then
// SIGKILLs whatever survived.
func killProcessGroup(pid int, waitDone chan error) {
	syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case err := <-waitDone:
		waitDone <- err
		return
	case <-time.After(killGracePeriod):
	}

	syscall.Kill(-pid, syscall.SIGKILL)
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
