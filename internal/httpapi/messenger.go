package httpapi

// ChanMessenger is a Messenger backed by a buffered channel, the concrete type main.go feeds
// to both httpapi.Server and orchestrator.Orchestrator.Run as its userMessages channel.
type ChanMessenger chan string

// NewChanMessenger creates a ChanMessenger with the given buffer size.
func NewChanMessenger(buffer int) ChanMessenger {
	return make(ChanMessenger, buffer)
}

// Send enqueues message, dropping it if the channel is full rather than blocking the HTTP
// request handler — a slow orchestrator loop must not wedge message intake.
func (m ChanMessenger) Send(message string) {
	select {
	case m <- message:
	default:
	}
}
