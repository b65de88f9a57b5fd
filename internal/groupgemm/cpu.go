package groupgemm

import (
	"runtime"
	"sort"

	"golang.org/x/sys/cpu"
)

// CPUFeatures lists the vector extensions of the host that affect tile
// selection and kernel throughput, sorted by name.
func CPUFeatures() []string {
	var flags map[string]bool
	switch runtime.GOARCH {
	case "amd64", "386":
		flags = map[string]bool{
			"AVX":        cpu.X86.HasAVX,
			"AVX2":       cpu.X86.HasAVX2,
			"FMA":        cpu.X86.HasFMA,
			"AVX512F":    cpu.X86.HasAVX512F,
			"AVX512BF16": cpu.X86.HasAVX512BF16,
			"AVX512VNNI": cpu.X86.HasAVX512VNNI,
		}
	case "arm64":
		flags = map[string]bool{
			"ASIMD":    cpu.ARM64.HasASIMD,
			"FPHP":     cpu.ARM64.HasFPHP,
			"ASIMDHP":  cpu.ARM64.HasASIMDHP,
			"ASIMDDP":  cpu.ARM64.HasASIMDDP,
			"SVE":      cpu.ARM64.HasSVE,
			"ASIMDFHM": cpu.ARM64.HasASIMDFHM,
		}
	}
	out := make([]string, 0, len(flags))
	for name, ok := range flags {
		if ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
