package util

// Application-level paths.
const (
	// DefaultConfigPath is the configuration file read by serve and init.
	DefaultConfigPath = "/etc/nfcond/nfcond.toml"
	// DefaultSocketPath is the API socket used when no address is given.
	DefaultSocketPath = "/run/nfcond.sock"
	// EnvSocket overrides the API address for client commands.
	EnvSocket = "NFCOND_SOCKET"
)
