package flight

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGuardWarnsOncePerFrame(t *testing.T) {
	var guard RecordingGuard

	require.False(t, guard.Recording())
	require.True(t, guard.WarnIfNotRecording(), "first misuse must warn")
	require.False(t, guard.WarnIfNotRecording(), "repeat misuse must stay quiet")

	guard.Begin(1)
	require.True(t, guard.Recording())
	require.Equal(t, 1, guard.FrameIndex())
	require.False(t, guard.WarnIfNotRecording(), "no warning while recording")

	guard.End()
	require.False(t, guard.Recording())
	require.True(t, guard.WarnIfNotRecording(), "Begin re-arms the warning")
	require.False(t, guard.WarnIfNotRecording())
}
