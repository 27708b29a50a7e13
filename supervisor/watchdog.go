package supervisor

import (
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// RAMWatchdog polices system memory for an entire pipeline run. When usage
// crosses the hard threshold it exits the whole process: once the OS starts
// thrashing, no per-stage cleanup is going to finish anyway.
//
// It never kills individual supervised processes, only the run.
type RAMWatchdog struct {
	ThresholdPercent float64
	Interval         time.Duration

	stop chan struct{}
}

// NewRAMWatchdog returns a watchdog with the default 90% threshold sampled
// at 2 Hz.
func NewRAMWatchdog() *RAMWatchdog {
	return &RAMWatchdog{
		ThresholdPercent: 90.0,
		Interval:         500 * time.Millisecond,
		stop:             make(chan struct{}),
	}
}

// Start begins sampling in a background goroutine.
func (w *RAMWatchdog) Start() {
	log.Printf("🛡️ RAM watchdog armed (threshold %.0f%%)", w.ThresholdPercent)
	go func() {
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				used, ok := systemRAMUsedPercent()
				if !ok {
					continue
				}
				if used >= w.ThresholdPercent {
					log.Printf("❌ RAM usage %.1f%% exceeds hard threshold %.1f%%, aborting run to avoid system thrash",
						used, w.ThresholdPercent)
					os.Exit(137)
				}
			}
		}
	}()
}

// Stop disarms the watchdog.
func (w *RAMWatchdog) Stop() {
	close(w.stop)
}

// systemRAMUsedPercent reads /proc/meminfo. Returns false on platforms
// without it; the watchdog is then a no-op.
func systemRAMUsedPercent() (float64, bool) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, false
	}

	var total, available float64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		value, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = value
		case "MemAvailable:":
			available = value
		}
	}

	if total <= 0 {
		return 0, false
	}
	return (total - available) / total * 100, true
}

// gpuSampler records GPU utilization at 1 Hz for the span of one supervised
// command via nvidia-smi. Absence of nvidia-smi simply yields no samples.
type gpuSampler struct {
	stop    chan struct{}
	done    chan struct{}
	samples []float64
}

func startGPUSampler() *gpuSampler {
	s := &gpuSampler{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				if util, ok := queryGPUUtilization(); ok {
					s.samples = append(s.samples, util)
				}
			}
		}
	}()
	return s
}

// Finish stops sampling and returns (peak, average) utilization.
func (s *gpuSampler) Finish() (float64, float64) {
	close(s.stop)
	<-s.done

	if len(s.samples) == 0 {
		return 0, 0
	}
	var peak, sum float64
	for _, v := range s.samples {
		if v > peak {
			peak = v
		}
		sum += v
	}
	return peak, sum / float64(len(s.samples))
}

func queryGPUUtilization() (float64, bool) {
	cmd := exec.Command("nvidia-smi", "--query-gpu=utilization.gpu", "--format=csv,noheader,nounits")
	output, err := cmd.Output()
	if err != nil {
		return 0, false
	}

	// First GPU only; the pipeline loads one heavy model at a time.
	line := strings.TrimSpace(strings.SplitN(string(output), "\n", 2)[0])
	util, err := strconv.ParseFloat(line, 64)
	if err != nil {
		return 0, false
	}
	return util, true
}
