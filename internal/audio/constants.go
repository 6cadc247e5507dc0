package audio

// Capture defaults.
const (
	// DefaultFrameSize is the per-frame sample count pushed downstream
	// (~32ms at 16kHz).
	DefaultFrameSize = 512

	// DefaultChannelBuffer bounds the frame channel; frames are dropped
	// rather than blocking the capture callback.
	DefaultChannelBuffer = 100
)
