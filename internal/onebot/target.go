package onebot

import (
	"fmt"
	"strings"
)

// TargetKind is the type of a message receiver.
type TargetKind uint8

const (
	TargetKindUndefined TargetKind = iota
	// TargetGroup is a QQ group.
	TargetGroup
	// TargetPrivate is a private chat with a QQ user.
	TargetPrivate
)

var targetKindStr = [...]string{
	TargetKindUndefined: "undefined",
	TargetGroup:         "group",
	TargetPrivate:       "private",
}

func (k TargetKind) String() string {
	if int(k) > len(targetKindStr)-1 {
		return fmt.Sprintf("unsupported TargetKind value: %d", k)
	}

	return targetKindStr[k]
}

// ParseTargetKind converts "group" or "private" to a TargetKind.
func ParseTargetKind(s string) (TargetKind, error) {
	switch strings.ToLower(s) {
	case "group":
		return TargetGroup, nil
	case "private":
		return TargetPrivate, nil
	default:
		return TargetKindUndefined, fmt.Errorf("unsupported target type: %q, expecting group or private", s)
	}
}

// Target is the receiver of a message.
type Target struct {
	Kind TargetKind
	ID   int64
}

func GroupTarget(id int64) Target {
	return Target{Kind: TargetGroup, ID: id}
}

func PrivateTarget(id int64) Target {
	return Target{Kind: TargetPrivate, ID: id}
}

func (t Target) String() string {
	return fmt.Sprintf("%s:%d", t.Kind, t.ID)
}
