package config

import "regexp"

// TimelineMode selects how the replay faker holds its recording.
type TimelineMode string

const (
	TimelineMemory TimelineMode = "memory"
	TimelineStream TimelineMode = "stream"
)

// PlayheadMode controls what the replay faker does when the recording
// runs out of frames.
type PlayheadMode string

const (
	PlayheadLoop PlayheadMode = "loop"
	PlayheadHold PlayheadMode = "hold"
)

// Display label bounds for observers joining a room. Labels show up in
// rosters and logs, so they stay short and shell-safe.
const (
	MinLabelLength = 3
	MaxLabelLength = 20
)

var labelPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)
