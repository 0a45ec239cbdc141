// Package monitor samples host and process resource usage for debug runs.
package monitor

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// cpuWindow is how long CPU utilisation is measured per sample.
const cpuWindow = 100 * time.Millisecond

// Usage is one resource sample. Fields that could not be read are zero.
type Usage struct {
	CPUPercent  float64
	MemUsed     uint64
	MemTotal    uint64
	MemPercent  float64
	DiskPath    string
	DiskUsed    uint64
	DiskTotal   uint64
	DiskPercent float64
	ProcessRSS  uint64
	Goroutines  int
}

// Sample reads current usage. Disk figures are for the filesystem holding
// diskPath. Individual probe failures leave their fields zero; the first
// failure is returned alongside the partial sample.
func Sample(ctx context.Context, diskPath string) (Usage, error) {
	u := Usage{DiskPath: diskPath, Goroutines: runtime.NumGoroutine()}
	var first error
	keep := func(err error) {
		if first == nil {
			first = err
		}
	}

	if pct, err := cpu.PercentWithContext(ctx, cpuWindow, false); err != nil {
		keep(err)
	} else if len(pct) > 0 {
		u.CPUPercent = pct[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		keep(err)
	} else {
		u.MemUsed, u.MemTotal, u.MemPercent = vm.Used, vm.Total, vm.UsedPercent
	}

	if diskPath != "" {
		if du, err := disk.UsageWithContext(ctx, diskPath); err != nil {
			keep(err)
		} else {
			u.DiskUsed, u.DiskTotal, u.DiskPercent = du.Used, du.Total, du.UsedPercent
		}
	}

	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err != nil {
		keep(err)
	} else if mi, err := p.MemoryInfoWithContext(ctx); err != nil {
		keep(err)
	} else {
		u.ProcessRSS = mi.RSS
	}
	return u, first
}

// Fields renders u as zap fields.
func (u Usage) Fields() []zap.Field {
	return []zap.Field{
		zap.Float64("cpu_percent", round1(u.CPUPercent)),
		zap.Float64("mem_percent", round1(u.MemPercent)),
		zap.Uint64("mem_used_mb", u.MemUsed>>20),
		zap.Uint64("mem_total_mb", u.MemTotal>>20),
		zap.String("disk_path", u.DiskPath),
		zap.Float64("disk_percent", round1(u.DiskPercent)),
		zap.Uint64("rss_mb", u.ProcessRSS>>20),
		zap.Int("goroutines", u.Goroutines),
	}
}

func round1(f float64) float64 { return float64(int64(f*10+0.5)) / 10 }

// Log samples usage and writes it at debug level under msg.
func Log(ctx context.Context, log *zap.Logger, msg, diskPath string) {
	if !log.Core().Enabled(zap.DebugLevel) {
		return
	}
	u, err := Sample(ctx, diskPath)
	fields := u.Fields()
	if err != nil {
		fields = append(fields, zap.NamedError("sample_error", err))
	}
	log.Debug(msg, fields...)
}

// Start logs usage every interval until the returned stop function is
// called. stop blocks until the sampler has exited and may be called more
// than once.
func Start(ctx context.Context, log *zap.Logger, interval time.Duration, diskPath string) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				Log(ctx, log, "host usage", diskPath)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}
