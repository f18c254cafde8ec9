package batchcore

import "math"

// Resources is the fulfilled, rounded resource triple a job is actually
// billed and scheduled for, distinct from what the client requested.
type Resources struct {
	CoresMcpu   int
	MemoryBytes int64
	StorageGiB  int64
}

// memoryRatio maps a worker type to its bytes-of-memory-per-core ratio.
// Grounded on original_source/batch/batch/inst_coll_config.py's
// worker_type_to_memory_ratio table.
var memoryRatio = map[string]float64{
	"standard":  3.75 * 1024 * 1024 * 1024,
	"highmem":   6.5 * 1024 * 1024 * 1024,
	"highcpu":   1.0 * 1024 * 1024 * 1024,
}

const maxPersistentDiskGiB = 64 * 1024

// ConvertRequest runs the same pipeline as PoolConfig.convert_requests_to_resources
// in the original implementation: adjust cores up to satisfy the pool's
// memory-per-core ratio, round up to a packable core count, reject requests
// that exceed the worker's total cores, and round storage to whole GiB with
// a 10 GiB floor. It returns the zero Resources and false on rejection
// so the caller can produce spec.md §4.1's "resource requests ... are
// unsatisfiable" message.
func (p *Pool) ConvertRequest(coresMcpu int, memoryBytes int64, storageBytes int64) (Resources, bool) {
	if coresMcpu <= 0 {
		return Resources{}, false
	}

	ratio, ok := memoryRatio[p.WorkerType]
	if !ok {
		ratio = memoryRatio["standard"]
	}

	coresMcpu = adjustCoresForMemory(coresMcpu, memoryBytes, ratio)
	coresMcpu = adjustCoresForPackability(coresMcpu)

	if coresMcpu > p.WorkerCores*1000 {
		return Resources{}, false
	}

	storageGiB, ok := roundStorage(storageBytes)
	if !ok {
		return Resources{}, false
	}

	return Resources{
		CoresMcpu:   coresMcpu,
		MemoryBytes: int64(math.Ceil(float64(coresMcpu) / 1000.0 * ratio)),
		StorageGiB:  storageGiB,
	}, true
}

// adjustCoresForMemory bumps cores_mcpu up if the requested memory requires
// more cores than requested under this worker type's memory ratio.
func adjustCoresForMemory(coresMcpu int, memoryBytes int64, bytesPerCore float64) int {
	if memoryBytes <= 0 {
		return coresMcpu
	}
	required := int(math.Ceil(float64(memoryBytes) / bytesPerCore * 1000))
	if required > coresMcpu {
		return required
	}
	return coresMcpu
}

// packableSteps are the core-count quanta the scheduler packs onto an
// instance; cores are rounded up to the next quantum so the bin-packer never
// has to reason about sub-quantum fragments.
var packableSteps = []int{250, 500, 1000, 2000, 4000, 8000, 16000, 32000, 64000, 96000}

func adjustCoresForPackability(coresMcpu int) int {
	for _, step := range packableSteps {
		if coresMcpu <= step {
			return step
		}
	}
	return coresMcpu
}

// roundStorage rounds a byte request up to whole gibibytes with a 10 GiB
// floor, rejecting requests above the max persistent-disk size.
func roundStorage(storageBytes int64) (int64, bool) {
	if storageBytes > maxPersistentDiskGiB*1024*1024*1024 {
		return 0, false
	}
	if storageBytes == 0 {
		return 0, true
	}
	gib := int64(math.Ceil(float64(storageBytes) / (1024 * 1024 * 1024)))
	if gib < 10 {
		gib = 10
	}
	return gib, true
}
