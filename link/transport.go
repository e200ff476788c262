// Package link multiplexes the Firmware stage of every channel onto one
// transport to the firmware. Each channel keeps a stack of frames mirroring
// the pipeline frames, a list of codes the firmware is working on and a byte
// budget that bounds that list.
package link

import (
	"github.com/printhost/dcs/code"
	"github.com/printhost/dcs/model"
)

// Control is a control frame sent on behalf of a channel.
type Control int

// Control frames.
const (
	ControlLock Control = iota
	ControlUnlock
	ControlMacroStarted
	ControlMacroCompleted
	ControlMacroFailed
	ControlInvalidate
)

var controlNames = []string{
	"LockMovementAndWaitForStandstill", "Unlock", "MacroStarted",
	"MacroCompleted", "MacroFailed", "Invalidate",
}

func (c Control) String() string {
	if c < 0 || int(c) >= len(controlNames) {
		return "Unknown"
	}

	return controlNames[c]
}

// ReplyFlags accompany every reply and message. The low bits select the
// channels a message is meant for.
type ReplyFlags uint32

// Message flags.
const (
	ErrorFlag   ReplyFlags = 0x1000000
	WarningFlag ReplyFlags = 0x2000000
	PushFlag    ReplyFlags = 0x20000000
)

// ChannelFlag returns the flag that addresses a channel.
func ChannelFlag(ch code.Channel) ReplyFlags {
	return 1 << uint(ch)
}

// Has tells if all bits of f2 are set.
func (f ReplyFlags) Has(f2 ReplyFlags) bool {
	return f&f2 == f2
}

// MessageType returns the severity carried by the flags.
func (f ReplyFlags) MessageType() code.MessageType {
	switch {
	case f.Has(ErrorFlag):
		return code.Error
	case f.Has(WarningFlag):
		return code.Warning
	default:
		return code.Success
	}
}

// FlagsFor returns the flags of a message sent to a channel.
func FlagsFor(ch code.Channel, t code.MessageType) ReplyFlags {
	flags := ChannelFlag(ch)

	switch t {
	case code.Error:
		flags |= ErrorFlag
	case code.Warning:
		flags |= WarningFlag
	}

	return flags
}

// Transport is the binary link driver. A Send method returns false if the
// transport cannot take the frame at the moment; the caller tries again on a
// later tick. Transports must not call back into the link from a Send method.
type Transport interface {
	// Encode returns the encoded size of a code, without the header.
	Encode(c *code.Code) int
	SendCode(c *code.Code, size int) bool
	SendControl(ch code.Channel, ctl Control) bool
	SendPrintFileInfo(info model.FileInfo) bool
	SendPrintStopped(reason model.StopReason) bool
	SendMessage(flags ReplyFlags, text string) bool
	ProtocolVersion() int
}

// Callbacks are the events a transport reports. They are implemented by the
// Manager.
type Callbacks interface {
	HandleReply(flags ReplyFlags, text string) bool
	ResourceLocked(ch code.Channel)
	MacroRequested(ch code.Channel, fileName string, fromCode bool)
	AcknowledgmentRequested(ch code.Channel)
	FilesAborted(ch code.Channel, abortAll bool)
	ExecuteFirmwareCode(ch code.Channel, text string)
}

// Macro is a macro file run in its own frame.
type Macro interface {
	code.Macro

	// Start begins executing the file. The codes of the macro carry the
	// macro as their owner.
	Start()
	TryLock() bool
	Unlock()
	IsExecuting() bool
	IsAborted() bool
	HadError() bool

	// Result returns the output of the codes of the macro. It is added to
	// the result of the start code.
	Result() code.Message

	Abort()
	Dispose()
}

// MacroFactory opens macro files. The macro is returned even if the file does
// not exist so that the firmware learns that it failed.
type MacroFactory interface {
	Open(fileName string, ch code.Channel, fromCode bool, startCode *code.Code) Macro
}

// JobController is the part of the job runner that the link drives.
type JobController interface {
	Abort()
}
