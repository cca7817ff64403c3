package wire

// StopReply is the only reply text that carries meaning: issue a stop.
const StopReply = "1"

// Reply is the interpreted answer of the peer to one step.
type Reply int

const (
	// ReplyNone means no action; every reply other than StopReply maps here.
	ReplyNone Reply = iota
	// ReplyStop asks the relay to command the vehicle to stop.
	ReplyStop
)

func (r Reply) String() string {
	if r == ReplyStop {
		return "stop"
	}
	return "none"
}

// ParseReply interprets raw reply bytes. Only the exact text "1" is a stop;
// there is no trimming and no negotiation.
func ParseReply(raw []byte) Reply {
	if string(raw) == StopReply {
		return ReplyStop
	}
	return ReplyNone
}
