package chatsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapDirectory map[int64]string

func (m mapDirectory) DisplayName(userID int64) string { return m[userID] }

func newTestTyping(t *testing.T, push pusher, joined func(int64) bool) (*Typing, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	cfg := Config{SelfID: 1}
	cfg.defaults()
	ty := newTyping(cfg, push, joined, clk.clock())
	t.Cleanup(ty.close)
	return ty, clk
}

func typingFrames(p *recordingPusher) []bool {
	var out []bool
	for _, f := range p.sent() {
		if f.typ == TypeTyping {
			out = append(out, f.data.(TypingEvent).IsTyping)
		}
	}
	return out
}

// ============================================================================
// Outbound
// ============================================================================

func TestTyping_OneStartOneStopPerBurst(t *testing.T) {
	push := &recordingPusher{}
	ty, clk := newTestTyping(t, push, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, ty.Keystroke(ctx, 7))
		clk.Advance(500 * time.Millisecond)
	}
	assert.Equal(t, []bool{true}, typingFrames(push))
	assert.True(t, ty.IsTyping(7))

	clk.Advance(1500 * time.Millisecond)
	assert.Equal(t, []bool{true, false}, typingFrames(push))
	assert.False(t, ty.IsTyping(7))

	clk.Advance(time.Minute)
	assert.Equal(t, []bool{true, false}, typingFrames(push))
}

func TestTyping_IdleDeadlineMovesWithInput(t *testing.T) {
	push := &recordingPusher{}
	ty, clk := newTestTyping(t, push, nil)
	ctx := context.Background()

	require.NoError(t, ty.Keystroke(ctx, 7))
	clk.Advance(1500 * time.Millisecond)
	require.NoError(t, ty.Keystroke(ctx, 7))
	clk.Advance(1500 * time.Millisecond)
	assert.Equal(t, []bool{true}, typingFrames(push), "idle deadline restarts on each keystroke")

	clk.Advance(500 * time.Millisecond)
	assert.Equal(t, []bool{true, false}, typingFrames(push))
}

func TestTyping_StopTyping(t *testing.T) {
	push := &recordingPusher{}
	ty, clk := newTestTyping(t, push, nil)
	ctx := context.Background()

	require.NoError(t, ty.StopTyping(ctx, 7))
	assert.Empty(t, push.sent(), "nothing to stop")

	require.NoError(t, ty.Keystroke(ctx, 7))
	require.NoError(t, ty.StopTyping(ctx, 7))
	require.NoError(t, ty.StopTyping(ctx, 7))
	clk.Advance(time.Minute)
	assert.Equal(t, []bool{true, false}, typingFrames(push))

	frames := push.sent()
	ev := frames[0].data.(TypingEvent)
	assert.Equal(t, int64(7), ev.RoomID)
	assert.Equal(t, int64(1), ev.UserID)
}

func TestTyping_RoomsAreIndependent(t *testing.T) {
	push := &recordingPusher{}
	ty, clk := newTestTyping(t, push, nil)
	ctx := context.Background()

	require.NoError(t, ty.Keystroke(ctx, 7))
	clk.Advance(time.Second)
	require.NoError(t, ty.Keystroke(ctx, 8))
	clk.Advance(time.Second)

	assert.False(t, ty.IsTyping(7))
	assert.True(t, ty.IsTyping(8))
}

func TestTyping_NotConnectedIsSilent(t *testing.T) {
	ty, _ := newTestTyping(t, &recordingPusher{err: ErrNotConnected}, nil)
	assert.NoError(t, ty.Keystroke(context.Background(), 7))
	assert.True(t, ty.IsTyping(7))
}

// ============================================================================
// Inbound
// ============================================================================

func TestTyping_RemoteUsers(t *testing.T) {
	ty, clk := newTestTyping(t, &recordingPusher{}, nil)

	changes := 0
	ty.OnChange(func(int64) { changes++ })

	ty.applyRemote(TypingEvent{RoomID: 7, UserID: 2, UserName: "Ann", IsTyping: true})
	ty.applyRemote(TypingEvent{RoomID: 7, UserID: 1, UserName: "Me", IsTyping: true})
	ty.applyRemote(TypingEvent{RoomID: 7, UserID: 3, UserName: "Bob", IsTyping: true})
	assert.Equal(t, []string{"Ann", "Bob"}, ty.Typers(7))
	assert.Equal(t, 2, changes)

	// A repeated start refreshes without a change notification.
	clk.Advance(5 * time.Second)
	ty.applyRemote(TypingEvent{RoomID: 7, UserID: 2, IsTyping: true})
	assert.Equal(t, []string{"Ann", "Bob"}, ty.Typers(7))
	assert.Equal(t, 2, changes)

	ty.applyRemote(TypingEvent{RoomID: 7, UserID: 3})
	assert.Equal(t, []string{"Ann"}, ty.Typers(7))
	assert.Equal(t, 3, changes)

	ty.applyRemote(TypingEvent{RoomID: 7, UserID: 9})
	assert.Equal(t, 3, changes, "stopping an unknown user is a no-op")
}

func TestTyping_OnChangeCancel(t *testing.T) {
	ty, _ := newTestTyping(t, &recordingPusher{}, nil)

	changes := 0
	cancel := ty.OnChange(func(int64) { changes++ })
	ty.applyRemote(TypingEvent{RoomID: 7, UserID: 2, IsTyping: true})
	cancel()
	ty.applyRemote(TypingEvent{RoomID: 7, UserID: 3, IsTyping: true})

	assert.Equal(t, 1, changes)
}

func TestTyping_RemoteEntriesExpire(t *testing.T) {
	ty, clk := newTestTyping(t, &recordingPusher{}, nil)

	ty.applyRemote(TypingEvent{RoomID: 7, UserID: 2, UserName: "Ann", IsTyping: true})
	clk.Advance(6 * time.Second)
	ty.applyRemote(TypingEvent{RoomID: 7, UserID: 3, UserName: "Bob", IsTyping: true})

	clk.Advance(4 * time.Second)
	assert.Equal(t, []string{"Bob"}, ty.Typers(7), "lost stop event is recovered by expiry")

	clk.Advance(6 * time.Second)
	assert.Empty(t, ty.Typers(7))
	assert.Equal(t, "", ty.Label(7))
}

func TestTyping_IgnoresRoomsNotJoined(t *testing.T) {
	ty, _ := newTestTyping(t, &recordingPusher{}, func(roomID int64) bool { return roomID == 7 })

	ty.applyRemote(TypingEvent{RoomID: 8, UserID: 2, UserName: "Ann", IsTyping: true})
	assert.Empty(t, ty.Typers(8))
}

func TestTyping_DirectoryNames(t *testing.T) {
	clk := newFakeClock()
	cfg := Config{SelfID: 1, Directory: mapDirectory{2: "Ann Lee"}}
	cfg.defaults()
	ty := newTyping(cfg, &recordingPusher{}, nil, clk.clock())
	defer ty.close()

	ty.applyRemote(TypingEvent{RoomID: 7, UserID: 2, IsTyping: true})
	ty.applyRemote(TypingEvent{RoomID: 7, UserID: 3, UserName: "Bob", IsTyping: true})
	ty.applyRemote(TypingEvent{RoomID: 7, UserID: 4, IsTyping: true})

	assert.Equal(t, []string{"Ann Lee", "Bob", "User 4"}, ty.Typers(7))
}

func TestTypingLabel(t *testing.T) {
	tests := []struct {
		names []string
		want  string
	}{
		{nil, ""},
		{[]string{"Ann"}, "Ann"},
		{[]string{"Ann", "Bob"}, "Ann and Bob"},
		{[]string{"Ann", "Bob", "Cid"}, "Ann and 2 more"},
		{[]string{"Ann", "Bob", "Cid", "Dee"}, "Ann and 3 more"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, typingLabel(tt.names))
	}
}
