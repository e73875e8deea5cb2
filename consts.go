package uvcgadget

// DefaultBuffers is the number of buffers shared between source and sink.
const DefaultBuffers = 4

type State int

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	}
	return "unknown"
}
