package flight

// RecordingGuard tracks whether a command recording window is currently open
// and rate-limits the misuse warning to one per frame. Allocating transient
// memory outside BeginFrame/EndFrame is a programmer error, but a renderer
// that makes it once tends to make it every draw call, so the guard keeps
// the log readable.
type RecordingGuard struct {
	recording  bool
	frameIndex int
	warned     bool
}

// Begin opens the recording window for frameIndex and re-arms the warning.
func (g *RecordingGuard) Begin(frameIndex int) {
	g.recording = true
	g.frameIndex = frameIndex
	g.warned = false
}

// End closes the recording window. The warning stays armed so that a stray
// allocation between frames is still reported.
func (g *RecordingGuard) End() {
	g.recording = false
}

// Recording reports whether a recording window is open.
func (g *RecordingGuard) Recording() bool {
	return g.recording
}

// FrameIndex returns the index passed to the most recent Begin.
func (g *RecordingGuard) FrameIndex() int {
	return g.frameIndex
}

// WarnIfNotRecording returns true when no window is open and no warning has
// been issued since the last Begin. Callers log exactly when it returns true.
func (g *RecordingGuard) WarnIfNotRecording() bool {
	if g.recording || g.warned {
		return false
	}
	g.warned = true
	return true
}
