package domain

import (
	"fmt"
	"strings"
)

// Mode selects the operation of a surface invocation.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeShow
	ModeGet
	ModeSet
	ModeDescribe
	ModeList
)

var modeNames = map[Mode]string{
	ModeShow:     "show",
	ModeGet:      "get",
	ModeSet:      "set",
	ModeDescribe: "describe",
	ModeList:     "list",
}

// Modes lists every valid mode in declaration order.
func Modes() []Mode {
	return []Mode{ModeShow, ModeGet, ModeSet, ModeDescribe, ModeList}
}

// ModeNames returns the wire names of every valid mode.
func ModeNames() []string {
	out := make([]string, 0, len(modeNames))
	for _, m := range Modes() {
		out = append(out, m.String())
	}
	return out
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return "unknown"
}

// ParseMode maps a wire name to a Mode. Unknown or empty input yields
// ErrInvalidMode.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	if s == "" {
		return ModeUnknown, fmt.Errorf("%w: mode is required (expected one of: %s)", ErrInvalidMode, strings.Join(ModeNames(), ", "))
	}
	return ModeUnknown, fmt.Errorf("%w %q (expected one of: %s)", ErrInvalidMode, s, strings.Join(ModeNames(), ", "))
}

// ToolInvocation is one request to the surface verb.
type ToolInvocation struct {
	Name    string `json:"name"`
	Mode    string `json:"mode"`
	Payload string `json:"payload,omitempty"`
	Source  string `json:"source,omitempty"`
}
