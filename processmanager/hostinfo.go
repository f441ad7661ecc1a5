package processmanager

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostInfo summarises the machine the manager runs on for describe.
func HostInfo() string {
	info, err := host.Info()
	if err != nil {
		return "unknown host"
	}
	out := fmt.Sprintf("%s (%s %s)", info.Hostname, info.Platform, info.PlatformVersion)
	if vm, err := mem.VirtualMemory(); err == nil {
		out += fmt.Sprintf(", %d MiB memory", vm.Total/(1<<20))
	}
	return out
}
