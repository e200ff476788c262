package code

import "strings"

// Flags describe where a code comes from and how far it got.
type Flags uint32

// Code flags.
const (
	Asynchronous Flags = 1 << iota
	IsPreProcessed
	IsPostProcessed
	IsInternallyProcessed
	IsFromMacro
	IsNestedMacro
	IsFromConfig
	IsFromConfigOverride
	EnforceAbsolutePosition
	IsPrioritized
	Unbuffered
	IsLastCode
	IsFromFirmware
)

var flagNames = []string{
	"Asynchronous", "IsPreProcessed", "IsPostProcessed",
	"IsInternallyProcessed", "IsFromMacro", "IsNestedMacro", "IsFromConfig",
	"IsFromConfigOverride", "EnforceAbsolutePosition", "IsPrioritized",
	"Unbuffered", "IsLastCode", "IsFromFirmware",
}

// Has tells if all the bits of f2 are set.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

func (f Flags) String() string {
	if f == 0 {
		return "None"
	}

	names := make([]string, 0, len(flagNames))
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			names = append(names, name)
		}
	}

	return strings.Join(names, "|")
}

// Kind is the letter of a code.
type Kind int

// Code kinds.
const (
	Comment Kind = iota
	G
	M
	T
)

func (k Kind) String() string {
	switch k {
	case G:
		return "G"
	case M:
		return "M"
	case T:
		return "T"
	default:
		return "Comment"
	}
}

// Stage is a station of the per-channel pipeline.
type Stage int

// Pipeline stages in processing order.
const (
	StageStart Stage = iota
	StagePre
	StageInternal
	StagePost
	StageFirmware
	StageExecuted
)

// NumStages is the number of pipeline stages.
const NumStages = int(StageExecuted) + 1

var stageNames = [NumStages]string{
	"Start", "Pre", "Internal", "Post", "Firmware", "Executed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= NumStages {
		return "Unknown"
	}

	return stageNames[s]
}
