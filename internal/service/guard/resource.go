package guard

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// ResourceGuard enforces per-worker ceilings on resident memory, CPU time
// and open file descriptors. A zero cap disables that check.
type ResourceGuard struct {
	MaxMemoryBytes int64
	MaxCPUSeconds  int64
	MaxOpenFiles   int
}

// NewResourceGuard builds a guard with caps in operator units.
func NewResourceGuard(maxMemoryMB, maxCPUSeconds int64, maxOpenFiles int) *ResourceGuard {
	return &ResourceGuard{
		MaxMemoryBytes: maxMemoryMB * 1024 * 1024,
		MaxCPUSeconds:  maxCPUSeconds,
		MaxOpenFiles:   maxOpenFiles,
	}
}

// Check compares current usage against the caps. Breaches come back as
// typed pipeline errors so the executor fails the job without retrying.
func (g *ResourceGuard) Check(stage string) error {
	if g == nil {
		return nil
	}
	if g.MaxMemoryBytes > 0 {
		rss, err := residentBytes()
		if err == nil && rss > g.MaxMemoryBytes {
			return domain.NewPipelineError(domain.KindMemoryExhausted, stage,
				fmt.Sprintf("resident memory %d exceeds cap %d", rss, g.MaxMemoryBytes), nil)
		}
	}
	if g.MaxCPUSeconds > 0 {
		cpu, err := cpuSeconds()
		if err == nil && cpu > g.MaxCPUSeconds {
			return domain.NewPipelineError(domain.KindWorkerTimeout, stage,
				fmt.Sprintf("cpu time %ds exceeds cap %ds", cpu, g.MaxCPUSeconds), nil)
		}
	}
	if g.MaxOpenFiles > 0 {
		fds, err := openFDCount()
		if err == nil && fds > g.MaxOpenFiles {
			return domain.NewPipelineError(domain.KindMemoryExhausted, stage,
				fmt.Sprintf("%d open file descriptors exceeds cap %d", fds, g.MaxOpenFiles), nil)
		}
	}
	return nil
}

// residentBytes reads VmRSS from /proc/self/status.
func residentBytes() (int64, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("VmRSS not found in /proc/self/status")
}

// cpuSeconds reports user+system CPU time for this process.
func cpuSeconds() (int64, error) {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0, err
	}
	return ru.Utime.Sec + ru.Stime.Sec, nil
}

// openFDCount counts entries in /proc/self/fd.
func openFDCount() (int, error) {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}
