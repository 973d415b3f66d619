package cli

// prefixKey is Ctrl-]. It is never forwarded on its own.
const prefixKey = 0x1d

type action int

const (
	actionNone action = iota
	actionNext
	actionPrev
	actionDetach
	actionReconnect
	actionQuit
	actionSelect
	actionCreate
	actionKill
	actionAttachNext
	actionStatus
)

type command struct {
	action action
	index  int // for actionSelect, zero-based
}

// keyReader splits raw stdin bytes into input for the active tab and
// prefix commands. The prefix may arrive at the end of one read and its
// command key at the start of the next.
type keyReader struct {
	pending bool
}

// feed splits p into input runs and commands, in order.
func (k *keyReader) feed(p []byte) []segment {
	var out []segment
	var buf []byte
	flush := func() {
		if len(buf) > 0 {
			out = append(out, segment{input: buf})
			buf = nil
		}
	}
	for _, b := range p {
		if k.pending {
			k.pending = false
			cmd, ok := commandFor(b)
			switch {
			case b == prefixKey:
				buf = append(buf, prefixKey)
			case ok:
				flush()
				out = append(out, segment{cmd: cmd})
			}
			continue
		}
		if b == prefixKey {
			k.pending = true
			continue
		}
		buf = append(buf, b)
	}
	flush()
	return out
}

// segment is either input bytes or one command.
type segment struct {
	input []byte
	cmd   command
}

func commandFor(b byte) (command, bool) {
	switch b {
	case 'n':
		return command{action: actionNext}, true
	case 'p':
		return command{action: actionPrev}, true
	case 'd':
		return command{action: actionDetach}, true
	case 'r':
		return command{action: actionReconnect}, true
	case 'q':
		return command{action: actionQuit}, true
	case 'c':
		return command{action: actionCreate}, true
	case 'k':
		return command{action: actionKill}, true
	case 'a':
		return command{action: actionAttachNext}, true
	case 's':
		return command{action: actionStatus}, true
	}
	if b >= '1' && b <= '9' {
		return command{action: actionSelect, index: int(b - '1')}, true
	}
	return command{}, false
}

// cycle returns the tab name offset steps from current, wrapping around.
func cycle(names []string, current string, offset int) string {
	if len(names) == 0 {
		return ""
	}
	idx := -1
	for i, n := range names {
		if n == current {
			idx = i
			break
		}
	}
	if idx < 0 {
		return names[0]
	}
	n := len(names)
	return names[((idx+offset)%n+n)%n]
}
