package orchestrator

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// resourceUsage reports process and host memory for /status. Best
// effort; a probe failure just leaves the field out.
func resourceUsage() map[string]interface{} {
	usage := map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		usage["host_memory_percent"] = vm.UsedPercent
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if pm, err := proc.MemoryInfo(); err == nil {
			usage["rss_bytes"] = pm.RSS
		}
	}

	return usage
}
