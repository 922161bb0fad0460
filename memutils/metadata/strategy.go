package metadata

// AllocationStrategy exposes several options for choosing the location of a new range.
// If none is chosen, a balanced strategy will be used.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory chooses the smallest-possible free region for the range to minimize
	// fragmentation, possibly at the expense of allocation time
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime chooses the first suitable free region that is cheapest to find
	AllocationStrategyMinTime
	// AllocationStrategyMinOffset chooses the lowest offset in available space. Virtual address
	// reservations use it so that hinted reservations stay packed.
	AllocationStrategyMinOffset
)
