package actuator

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Verb is an actuator controller command word
type Verb string

const (
	VerbPulse    Verb = "PULSE"
	VerbOpen     Verb = "OPEN"
	VerbClose    Verb = "CLOSE"
	VerbOpenAll  Verb = "OPENALL"
	VerbCloseAll Verb = "CLOSEALL"
	VerbStatus   Verb = "STATUS"
)

// Command is one request line. Slot is ignored by the *ALL verbs and
// STATUS; Duration only applies to PULSE.
type Command struct {
	Verb     Verb
	Slot     int
	Duration time.Duration
}

// Line renders the command without its terminator
func (c Command) Line() string {
	switch c.Verb {
	case VerbPulse:
		return fmt.Sprintf("%s %d %d", c.Verb, c.Slot, c.Duration.Milliseconds())
	case VerbOpen, VerbClose:
		return fmt.Sprintf("%s %d", c.Verb, c.Slot)
	default:
		return string(c.Verb)
	}
}

func (c Command) String() string {
	return c.Line()
}

// Response is the controller's reply to one command
type Response struct {
	OK      bool
	RawLine string
	Elapsed time.Duration
	// ActiveSlots is filled for STATUS replies
	ActiveSlots []int
}

// parseStatus decodes "NONE" or a comma separated slot list
func parseStatus(line string) ([]int, error) {
	if strings.EqualFold(line, "NONE") {
		return []int{}, nil
	}
	parts := strings.Split(line, ",")
	slots := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("bad slot %q in status %q", p, line)
		}
		slots = append(slots, n)
	}
	return slots, nil
}
