package gfx

// DeviceInfo describes available physical properties of a rendering device.
type DeviceInfo struct {
	API           API
	ID            int
	VendorID      int
	DriverVersion int
	Name          string
	Extensions    []string
	Layers        []string
	Memory        uint64
}

// DeviceConfig configures a Device when it is opened.
type DeviceConfig struct {
	AppName        string
	FramesInFlight int
	Debug          bool
	Extensions     []string
}

// Swapchain is an n-buffered chain of presentable images.
type Swapchain interface {
	Disposable

	// Texture returns a stable proxy for the currently acquired image,
	// usable as a render target and as a dependency resource.
	Texture() Texture

	// Images returns the number of images in the chain.
	Images() int

	// Extent returns the size of the images.
	Extent() (width, height int)

	// Acquire makes the next image current for frame slot frame.
	// Returns ErrSwapchainOutOfDate when the chain must be recreated.
	Acquire(frame int) error

	// Present queues the current image for presentation after the work
	// submitted for frame. Returns ErrSwapchainOutOfDate when the chain
	// must be recreated.
	Present(frame int) error

	// Recreate rebuilds the chain with a new extent. The device must be
	// idle.
	Recreate(width, height int) error
}

// Device is a backend device and the root of its ownership tree. A nil
// owner passed to a factory means the device owns the object.
type Device interface {
	Owner

	API() API
	Info() DeviceInfo
	FramesInFlight() int

	NewBuffer(owner Owner, desc BufferDesc) (Buffer, error)
	NewTexture(owner Owner, desc TextureDesc) (Texture, error)
	NewSampler(owner Owner, desc SamplerDesc) (Sampler, error)
	NewShaderProgram(owner Owner, desc ShaderProgramDesc) (ShaderProgram, error)
	NewCommandBuffer(owner Owner, label string) (CommandBuffer, error)
	NewSwapchain(owner Owner, surface Surface, width, height int) (Swapchain, error)

	// WaitFrame blocks until the work last submitted for slot frame
	// has completed on the GPU.
	WaitFrame(frame int) error

	// Submit queues cmds in order as the work of slot frame. When sc is
	// not nil the submission waits for sc's acquired image and signals
	// its presentation.
	Submit(frame int, cmds []CommandBuffer, sc Swapchain) error

	// WaitIdle blocks until all submitted work has completed.
	WaitIdle() error
}
