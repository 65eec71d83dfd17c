package delivery

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/scoracle-notify/internal/eligibility"
	"github.com/albapepper/scoracle-notify/internal/model"
)

func TestFanoutDuplicateDispatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mem.PutUser(model.User{ID: "a", PushToken: "ta"})
	f.mem.PutUser(model.User{ID: "b", PushToken: "tb"})
	f.mem.PutPreference(model.Preference{UserID: "b", Disabled: map[model.Category]bool{model.CategoryInvites: true}})

	filter := eligibility.New(f.mem, f.mem, func() time.Time { return now }, slog.New(slog.NewTextHandler(io.Discard, nil)))
	fan := NewFanout(f.mem, filter, f.pipeline)

	report, err := fan.Run(ctx, invite, []string{"a", "b"})
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Recipients)
	assert.Equal(t, 1, report.Skipped)

	report, err = fan.Run(ctx, invite, []string{"a", "b"})
	require.NoError(t, err)
	assert.Nil(t, report, "second dispatch is a no-op")

	assert.Equal(t, 1, f.sender.SentTo("ta"))
	assert.Zero(t, f.sender.SentTo("tb"))
	assert.Len(t, f.mem.Notifications("a"), 1)
	assert.Empty(t, f.mem.Notifications("b"))
}
