//go:build !race

package splitmap

const raceEnabled = false
