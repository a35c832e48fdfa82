package datasetcache

const (
	fallbackFileLimit = 1024
	maxCapacity       = 1 << 16
)

// DefaultCapacity is 80% of the process's open file limit.
func DefaultCapacity() int {
	limit, ok := openFileLimit()
	if !ok || limit == 0 {
		limit = fallbackFileLimit
	}
	n := limit * 8 / 10
	if limit > maxCapacity {
		n = maxCapacity
	}
	if n < 1 {
		return 1
	}
	return int(n)
}
