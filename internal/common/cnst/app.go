package cnst

const (
	// AppName is the application name
	AppName = "pulsegate"
	// CommandName is the binary name
	CommandName = "pulsegate"
)
