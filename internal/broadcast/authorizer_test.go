package broadcast

import (
	"testing"

	"github.com/GoPolymarket/tradefeed/internal/config"
	"github.com/stretchr/testify/assert"
)

func configFixture() config.BroadcastConfig {
	return config.BroadcastConfig{
		ResumeLifetime: 300,
		Retry:          3000,
		Ping:           config.PingConfig{Enable: true, Frequency: 30},
	}
}

func TestChannelAuthorizer(t *testing.T) {
	authz := NewChannelAuthorizer()
	alice := UserIdentity(7)
	bob := UserIdentity(8)

	tests := []struct {
		name    string
		id      Identity
		channel string
		granted bool
	}{
		{"owner on private", alice, "user.7.trades", true},
		{"other user on private", bob, "user.7.trades", false},
		{"anonymous on private", Identity{}, "user.7.trades", false},
		{"unauthenticated id on private", Identity{UserID: 7}, "user.7.trades", false},
		{"leading zero id", alice, "user.07.trades", false},
		{"public", Identity{}, "public.trades", true},
		{"test", bob, "test.trades", true},
		{"wildcard", alice, "user.*.trades", false},
		{"unknown prefix", alice, "admin.7.trades", false},
		{"missing topic", alice, "user.7", false},
		{"empty", alice, "", false},
		{"uppercase topic", alice, "public.Trades", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := authz.Authorize(tt.id, tt.channel)
			if tt.granted {
				assert.NoError(t, err)
				return
			}
			// denial and "does not exist" look the same
			assert.Equal(t, ErrAuthorizationDenied, err)
		})
	}
}

func TestTradeChannel(t *testing.T) {
	assert.Equal(t, "user.7.trades", TradeChannel(7))
	ch, ok := ParseChannel(TradeChannel(42))
	assert.True(t, ok)
	assert.Equal(t, ChannelPrivate, ch.Kind)
	assert.Equal(t, "42", ch.Owner)

	ch, ok = ParseChannel(TestTradesChannel)
	assert.True(t, ok)
	assert.Equal(t, ChannelTest, ch.Kind)
}
