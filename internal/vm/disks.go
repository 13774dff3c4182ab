package vm

const (
	maxEphemeralChunkGB     = 2000
	alignedEphemeralChunkGB = 1024
)

// ephemeralDiskSizes splits the ephemeral allowance of a flavor into disk
// sizes. Totals that are a multiple of 1024 GB are split in 1024 GB disks,
// anything else in disks of at most 2000 GB.
func ephemeralDiskSizes(totalGB int) []int {
	if totalGB <= 0 {
		return nil
	}
	chunk := maxEphemeralChunkGB
	if totalGB%alignedEphemeralChunkGB == 0 {
		chunk = alignedEphemeralChunkGB
	}
	var sizes []int
	for left := totalGB; left > 0; left -= chunk {
		sizes = append(sizes, min(chunk, left))
	}
	return sizes
}
