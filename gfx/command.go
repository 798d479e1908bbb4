package gfx

// CullMode selects which triangle faces are discarded.
type CullMode int

// Cull modes
const (
	CullNone CullMode = iota
	CullBack
	CullFront
)

// RenderTarget is the set of attachments a pass renders into.
type RenderTarget struct {
	Color []Texture
	Depth Texture
}

// RenderingInfo starts a rendering scope on a command buffer.
type RenderingInfo struct {
	Target RenderTarget

	// Attachments is the number of color attachments of Target used.
	Attachments int
	Width       int
	Height      int
	Clear       bool
	ClearColor  Color
}

// CommandBuffer records GPU commands. Recording only changes the
// buffer itself; nothing takes effect before the buffer is submitted.
type CommandBuffer interface {
	Disposable
	Label() string

	// Begin resets the buffer and starts recording for frame slot frame.
	Begin(frame int) error

	BeginRendering(info RenderingInfo)
	SetCullMode(mode CullMode)
	SetDrawBuffers(vertex, index Buffer)
	SetShaderProgram(program ShaderProgram)
	SetPushConstants(data []byte)
	DrawIndexed(count int)
	EndRendering()

	// End finishes recording.
	End() error
}
