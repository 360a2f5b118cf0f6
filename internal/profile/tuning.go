// /internal/profile/tuning.go
package profile

import (
	"fmt"

	"hrs-launcher/internal/host"
)

type coreBucket int

const (
	coresFew  coreBucket = iota // 1-2
	coresSome                   // 3-7
	coresMany                   // 8+
)

type memBucket int

const (
	memLow  memBucket = iota // < 6 GiB
	memMid                   // 6-16 GiB
	memHigh                  // > 16 GiB
)

// Collector names the garbage collector a profile selects.
type Collector string

const (
	CollectorSerial   Collector = "serial"
	CollectorParallel Collector = "parallel"
	CollectorG1       Collector = "g1"
)

type tuning struct {
	collector    Collector
	heapFraction float64
	heapCapMB    int
}

// tuningTable is the single source of JVM sizing decisions.
var tuningTable = map[coreBucket]map[memBucket]tuning{
	coresFew: {
		memLow:  {CollectorSerial, 0.25, 1024},
		memMid:  {CollectorSerial, 0.30, 2048},
		memHigh: {CollectorParallel, 0.30, 3072},
	},
	coresSome: {
		memLow:  {CollectorSerial, 0.30, 1536},
		memMid:  {CollectorParallel, 0.35, 4096},
		memHigh: {CollectorG1, 0.35, 6144},
	},
	coresMany: {
		memLow:  {CollectorParallel, 0.35, 2048},
		memMid:  {CollectorG1, 0.40, 6144},
		memHigh: {CollectorG1, 0.40, 8192},
	},
}

func bucketCores(cores int) coreBucket {
	switch {
	case cores <= 2:
		return coresFew
	case cores < 8:
		return coresSome
	default:
		return coresMany
	}
}

func bucketMemory(bytes uint64) memBucket {
	switch {
	case bytes < 6*host.GiB:
		return memLow
	case bytes <= 16*host.GiB:
		return memMid
	default:
		return memHigh
	}
}

func lookup(f host.Facts) tuning {
	return tuningTable[bucketCores(f.Cores)][bucketMemory(f.MemoryBytes)]
}

// gcThreads follows the HotSpot default of 5/8 of cores above eight.
func gcThreads(cores int) int {
	if cores <= 8 {
		return max(cores, 1)
	}
	return 8 + (cores-8)*5/8
}

func collectorFlags(c Collector, cores int) []string {
	switch c {
	case CollectorSerial:
		return []string{"-XX:+UseSerialGC"}
	case CollectorParallel:
		return []string{"-XX:+UseParallelGC", fmt.Sprintf("-XX:ParallelGCThreads=%d", gcThreads(cores))}
	default:
		n := gcThreads(cores)
		return []string{
			"-XX:+UseG1GC",
			"-XX:MaxGCPauseMillis=50",
			fmt.Sprintf("-XX:ParallelGCThreads=%d", n),
			fmt.Sprintf("-XX:ConcGCThreads=%d", max(1, n/4)),
		}
	}
}
