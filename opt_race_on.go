//go:build race

package splitmap

// raceEnabled reports whether the binary was built with the race detector.
// Tests use it to shrink their workloads.
const raceEnabled = true
