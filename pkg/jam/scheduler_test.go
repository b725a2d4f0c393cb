package jam

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Programming-Simplified-Community/codejam-bot/pkg/store"
)

func TestReminderWindows(t *testing.T) {
	tests := []struct {
		name         string
		remaining    time.Duration
		wantDue      bool
		wantCooldown time.Duration
	}{
		{"two days left", 47 * time.Hour, true, daysLeftWindow},
		{"just over a day", 25 * time.Hour, true, daysLeftWindow},
		{"twelve hours left", 12 * time.Hour, true, hoursLeftWindow},
		{"three hours left", 3 * time.Hour, true, hoursLeftWindow},
		{"too early", 72 * time.Hour, false, 0},
		{"too late", time.Hour, false, 0},
		{"window closed", -time.Hour, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, cooldown, due := reminderFor("Game Jam", tt.remaining)

			assert.Equal(t, tt.wantDue, due)
			assert.Equal(t, tt.wantCooldown, cooldown)

			if due {
				assert.NotEmpty(t, text)
			}
		})
	}
}

func TestGroupByGuildTimezone(t *testing.T) {
	regs := []store.Registration{
		{GuildID: "g1", UserID: "u1", Timezone: "UTC"},
		{GuildID: "g1", UserID: "u2", Timezone: "UTC"},
		{GuildID: "g1", UserID: "u3", Timezone: "EST"},
		{GuildID: "g1", UserID: "u4", Timezone: "UTC", IsSolo: true},
	}

	groups := groupByGuildTimezone(regs)

	assert.Len(t, groups, 2)
	assert.Len(t, groups[groupKey{guildID: "g1", timezone: "UTC"}], 2)
	assert.Len(t, groups[groupKey{guildID: "g1", timezone: "EST"}], 1)
}
