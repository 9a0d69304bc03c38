package hook

import (
	"fmt"

	"github.com/Emyrk/callhook/hook/callsite"
)

type EventKind int

const (
	EventCall EventKind = iota
	EventTailCall
	EventReturn
)

func (k EventKind) String() string {
	switch k {
	case EventCall:
		return "call"
	case EventTailCall:
		return "tail"
	case EventReturn:
		return "return"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

func ParseEventKind(s string) (EventKind, error) {
	switch s {
	case "call":
		return EventCall, nil
	case "tail", "tailcall", "tail_call":
		return EventTailCall, nil
	case "return", "ret":
		return EventReturn, nil
	default:
		return 0, fmt.Errorf("unknown event kind %q", s)
	}
}

func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *EventKind) UnmarshalText(text []byte) error {
	v, err := ParseEventKind(string(text))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Event is one notification from the host. Info is ignored for returns.
type Event struct {
	Kind EventKind
	Info callsite.DebugInfo
}
