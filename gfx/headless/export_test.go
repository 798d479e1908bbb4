package headless

// Stall blocks the queue until the returned function is called.
func (d *Device) Stall() (resume func()) {
	gate := make(chan struct{})
	d.enqueue(func() { <-gate })
	return func() { close(gate) }
}
