package model

// LogType classifies a message appended to the log/notification sink.
type LogType string

const (
	LogInfo    LogType = "info"
	LogError   LogType = "error"
	LogSuccess LogType = "success"
	LogCommand LogType = "command"
)
