package shadow

import "github.com/kolkov/shadowmachine/internal/machine/prog"

// Version information for the shadow-state verification engine.
const (
	// Version is the current engine version.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// TraceFormatVersion is the trace file format the engine reads. Traces
// from a different major version are rejected by the loader.
const TraceFormatVersion = prog.FormatVersion

// Info provides runtime information about the engine.
type Info struct {
	// Version is the engine version string.
	Version string

	// TraceFormat is the accepted trace format version.
	TraceFormat string

	// RaceAlgorithm names the happens-before representation used by the
	// race detector.
	RaceAlgorithm string
}

// GetInfo returns information about the engine build.
//
// Example:
//
//	info := shadow.GetInfo()
//	fmt.Printf("shadowmachine %s (trace format %s)\n", info.Version, info.TraceFormat)
func GetInfo() Info {
	return Info{
		Version:       Version,
		TraceFormat:   TraceFormatVersion,
		RaceAlgorithm: "FastTrack (PLDI 2009), adaptive epoch/vector clocks",
	}
}
