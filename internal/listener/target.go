package listener

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultHost is the broadcaster a recipient joins when the target names
// only a port.
const DefaultHost = "localhost"

var (
	ErrInvalidMode   = errors.New("listener: invalid mode")
	ErrMissingTarget = errors.New("listener: missing target")
	ErrInvalidTarget = errors.New("listener: invalid target")
)

// Mode selects the listener role.
type Mode int

const (
	ModeBroadcaster Mode = iota + 1
	ModeRecipient
)

func (mode Mode) String() string {
	switch mode {
	case ModeBroadcaster:
		return "broadcaster"
	case ModeRecipient:
		return "recipient"
	default:
		return "Mode(" + strconv.Itoa(int(mode)) + ")"
	}
}

// Valid reports whether mode is one of the known roles.
func (mode Mode) Valid() bool {
	return mode == ModeBroadcaster || mode == ModeRecipient
}

func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "broadcaster", "broadcast":
		return ModeBroadcaster, nil
	case "recipient", "receive":
		return ModeRecipient, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidMode, value)
	}
}

// parseTarget accepts "host:port", "port" or an int port. Host is empty
// when the target names only a port.
func parseTarget(target any) (string, int, error) {
	switch value := target.(type) {
	case nil:
		return "", 0, ErrMissingTarget
	case int:
		if value < 0 || value > 65535 {
			return "", 0, fmt.Errorf("%w: port %d out of range", ErrInvalidTarget, value)
		}
		return "", value, nil
	case string:
		return parseTargetString(value)
	default:
		return "", 0, fmt.Errorf("%w: unsupported target type %T", ErrInvalidTarget, target)
	}
}

func parseTargetString(value string) (string, int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", 0, ErrMissingTarget
	}
	host := ""
	portText := value
	if strings.Contains(value, ":") {
		var err error
		host, portText, err = net.SplitHostPort(value)
		if err != nil {
			return "", 0, fmt.Errorf("%w: %q: %v", ErrInvalidTarget, value, err)
		}
	}
	port, err := strconv.ParseUint(portText, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("%w: port %q", ErrInvalidTarget, portText)
	}
	return host, int(port), nil
}
