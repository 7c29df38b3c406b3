package nsq

// connection/producer states
const (
	StateInit = iota
	StateDisconnected
	StateConnecting
	StateConnected
	StateSubscribed
)
