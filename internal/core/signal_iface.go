package core

// Frame is a raw signaling payload as it travels over the wire.
type Frame []byte

// SignalConnection abstracts the messaging transport of one endpoint.
// Owned by the adapter; the adapter must Close() it. TrySend never blocks:
// delivery is at-most-once, best-effort.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
