package code

import (
	"fmt"
	"strings"
)

// Channel is a logical source and sink of codes.
type Channel int

// The channels known to the firmware. The numeric values are part of the
// link protocol.
const (
	HTTP Channel = iota
	Telnet
	File
	USB
	Aux
	Trigger
	Queue
	LCD
	SBC
	Daemon
	Aux2
	AutoPause
	File2
	Queue2
)

// NumChannels is the number of channels a processor serves.
const NumChannels = int(Queue2) + 1

var channelNames = [NumChannels]string{
	"HTTP", "Telnet", "File", "USB", "Aux", "Trigger", "Queue", "LCD", "SBC",
	"Daemon", "Aux2", "Autopause", "File2", "Queue2",
}

// Channels returns all channels in protocol order.
func Channels() []Channel {
	channels := make([]Channel, NumChannels)
	for i := range channels {
		channels[i] = Channel(i)
	}

	return channels
}

// IsValid tells if the channel is one the firmware knows.
func (c Channel) IsValid() bool {
	return c >= HTTP && c <= Queue2
}

// IsQueue tells if the channel feeds the firmware's deferred code queue.
// Replies on these channels may arrive without a matching code.
func (c Channel) IsQueue() bool {
	return c == Queue || c == Queue2
}

// IsFile tells if the channel carries print jobs.
func (c Channel) IsFile() bool {
	return c == File || c == File2
}

func (c Channel) String() string {
	if !c.IsValid() {
		return fmt.Sprintf("Channel(%d)", int(c))
	}

	return channelNames[c]
}

// ParseChannel converts a case-insensitive channel name into a Channel.
func ParseChannel(name string) (Channel, error) {
	for i, n := range channelNames {
		if strings.EqualFold(n, name) {
			return Channel(i), nil
		}
	}

	return 0, fmt.Errorf("unknown channel %q", name)
}
