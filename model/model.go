// Package model holds the small part of the machine object model that the
// code pipeline reads and writes.
package model

import (
	"time"

	"github.com/printhost/dcs/code"
)

// PauseReason tells why a job was paused.
type PauseReason int

// Pause reasons.
const (
	PauseUser PauseReason = iota
	PauseGCode
	PauseFilamentChange
	PauseTrigger
	PauseHeaterFault
	PauseFilament
	PauseStall
	PauseLowVoltage
)

var pauseReasonNames = []string{
	"user", "gcode", "filamentChange", "trigger", "heaterFault", "filament",
	"stall", "lowVoltage",
}

func (r PauseReason) String() string {
	if r < 0 || int(r) >= len(pauseReasonNames) {
		return "unknown"
	}

	return pauseReasonNames[r]
}

// StopReason tells the firmware why a print ended.
type StopReason int

// Stop reasons.
const (
	StopNormal StopReason = iota
	StopUserCancelled
	StopAbort
)

func (r StopReason) String() string {
	switch r {
	case StopUserCancelled:
		return "userCancelled"
	case StopAbort:
		return "abort"
	default:
		return "normalCompletion"
	}
}

// FileInfo describes a job file.
type FileInfo struct {
	FileName      string    `json:"fileName"`
	Size          int64     `json:"size"`
	LastModified  time.Time `json:"lastModified"`
	SimulatedTime *int64    `json:"simulatedTime,omitempty"`
	NumLines      int64     `json:"numLines"`
}

// InputState tells what a channel is doing.
type InputState int

// Input states.
const (
	InputIdle InputState = iota
	InputBusy
	InputWaiting
)

// Input is the state of one channel.
type Input struct {
	Name               string     `json:"name"`
	State              InputState `json:"state"`
	MotionSystemActive bool       `json:"motionSystemActive"`
	StackDepth         int        `json:"stackDepth"`
}

// Job is the state of the current print or simulation.
type Job struct {
	File              *FileInfo   `json:"file,omitempty"`
	FilePosition      int64       `json:"filePosition"`
	Processing        bool        `json:"processing"`
	Paused            bool        `json:"paused"`
	PauseReason       PauseReason `json:"pauseReason"`
	Simulating        bool        `json:"simulating"`
	LastFileName      string      `json:"lastFileName"`
	LastDuration      *int64      `json:"lastDuration,omitempty"`
	LastFileAborted   bool        `json:"lastFileAborted"`
	LastFileCancelled bool        `json:"lastFileCancelled"`
	LastFileSimulated bool        `json:"lastFileSimulated"`
}

// State is the daemon state.
type State struct {
	// RunningConfig is set while the startup file executes. Subsystems that
	// need a fully configured machine wait until it is cleared.
	RunningConfig bool      `json:"runningConfig"`
	StartTime     time.Time `json:"startTime"`
}

// Model is the object model subset.
type Model struct {
	Job      Job                     `json:"job"`
	Inputs   [code.NumChannels]Input `json:"inputs"`
	Messages []code.Message          `json:"messages"`
	State    State                   `json:"state"`
}

// Clone returns a copy that shares nothing mutable with m.
func (m *Model) Clone() Model {
	c := *m

	if m.Job.File != nil {
		file := *m.Job.File
		c.Job.File = &file
	}

	if m.Job.LastDuration != nil {
		d := *m.Job.LastDuration
		c.Job.LastDuration = &d
	}

	c.Messages = append([]code.Message(nil), m.Messages...)

	return c
}
