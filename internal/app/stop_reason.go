package app

// StopReason is logged on shutdown.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopCommand    StopReason = "command_done"
)
