package monitor

import (
	"context"
	"log"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ResourceUsage is a point-in-time view of this process.
type ResourceUsage struct {
	RSSBytes      uint64    `json:"rssBytes"`
	CPUPercent    float64   `json:"cpuPercent"`
	Goroutines    int       `json:"goroutines"`
	SystemMemUsed float64   `json:"systemMemUsedPercent"`
	SampledAt     time.Time `json:"sampledAt"`
}

type resourceSampler struct {
	mu   sync.Mutex
	proc *process.Process
}

func newResourceSampler() *resourceSampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Printf("[monitor] process stats unavailable: %v", err)
	}
	return &resourceSampler{proc: proc}
}

// sample never fails outright; fields that cannot be read stay zero.
func (r *resourceSampler) sample() ResourceUsage {
	r.mu.Lock()
	defer r.mu.Unlock()

	u := ResourceUsage{Goroutines: runtime.NumGoroutine(), SampledAt: time.Now()}
	if r.proc != nil {
		if mi, err := r.proc.MemoryInfo(); err == nil {
			u.RSSBytes = mi.RSS
		}
		// Interval 0 measures against the previous call.
		if pct, err := r.proc.Percent(0); err == nil {
			u.CPUPercent = pct
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		u.SystemMemUsed = vm.UsedPercent
	}
	return u
}

func (r *resourceSampler) run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u := r.sample()
			log.Printf("[monitor] resources: rss=%.1fMiB cpu=%.1f%% goroutines=%d sysmem=%.0f%%",
				float64(u.RSSBytes)/(1<<20), u.CPUPercent, u.Goroutines, u.SystemMemUsed)
		}
	}
}
