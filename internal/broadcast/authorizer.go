package broadcast

import (
	"crypto/subtle"
	"errors"
	"strconv"
	"strings"
)

const (
	publicPrefix  = "public"
	testPrefix    = "test"
	privatePrefix = "user"

	TestTradesChannel = "test.trades"
)

// ErrAuthorizationDenied is returned for foreign private channels and for
// names that do not parse, so callers cannot probe which users exist.
var ErrAuthorizationDenied = errors.New("channel not available")

type ChannelKind int

const (
	ChannelPublic ChannelKind = iota
	ChannelTest
	ChannelPrivate
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelTest:
		return "test"
	case ChannelPrivate:
		return "private"
	default:
		return "public"
	}
}

// Identity is the caller as seen by the hub.
type Identity struct {
	UserID        int64
	Authenticated bool
}

func UserIdentity(userID int64) Identity {
	return Identity{UserID: userID, Authenticated: true}
}

// Channel is a parsed channel name:
//
//	public.<topic>
//	test.<topic>
//	user.<id>.<topic>
type Channel struct {
	Kind  ChannelKind
	Owner string
	Topic string
}

func ParseChannel(name string) (Channel, bool) {
	parts := strings.Split(name, ".")
	switch {
	case len(parts) == 2 && parts[0] == publicPrefix && validSegment(parts[1]):
		return Channel{Kind: ChannelPublic, Topic: parts[1]}, true
	case len(parts) == 2 && parts[0] == testPrefix && validSegment(parts[1]):
		return Channel{Kind: ChannelTest, Topic: parts[1]}, true
	case len(parts) == 3 && parts[0] == privatePrefix && validOwner(parts[1]) && validSegment(parts[2]):
		return Channel{Kind: ChannelPrivate, Owner: parts[1], Topic: parts[2]}, true
	}
	return Channel{}, false
}

// TradeChannel is the private channel carrying a user's trade events.
func TradeChannel(userID int64) string {
	return privatePrefix + "." + strconv.FormatInt(userID, 10) + ".trades"
}

// Authorizer decides whether an identity may subscribe to a channel.
type Authorizer interface {
	Authorize(id Identity, channel string) error
}

// ChannelAuthorizer grants public and test channels to anyone and a private
// channel only to the identity whose id is encoded in its name. There is no
// administrative override.
type ChannelAuthorizer struct{}

func NewChannelAuthorizer() ChannelAuthorizer {
	return ChannelAuthorizer{}
}

func (ChannelAuthorizer) Authorize(id Identity, channel string) error {
	ch, ok := ParseChannel(channel)
	if !ok {
		return ErrAuthorizationDenied
	}
	if ch.Kind != ChannelPrivate {
		return nil
	}
	want := []byte(ch.Owner)
	have := []byte(strconv.FormatInt(id.UserID, 10))
	match := subtle.ConstantTimeCompare(want, have) == 1
	if !match || !id.Authenticated {
		return ErrAuthorizationDenied
	}
	return nil
}

func validSegment(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return false
		}
	}
	return true
}

// Owners are canonical decimal ids: no sign, no leading zeros.
func validOwner(s string) bool {
	if s == "" || len(s) > 19 || (len(s) > 1 && s[0] == '0') {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
