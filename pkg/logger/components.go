package logger

// Component name constants for standardized logging
const (
	// Session core components
	ComponentSession     = "Session"
	ComponentReconnect   = "Reconnect"
	ComponentHealthCheck = "HealthCheck"
	ComponentAwareness   = "Awareness"
	ComponentPayload     = "Payload"

	// Transport components
	ComponentTransport = "Transport"
	ComponentSignaling = "Signaling"
	ComponentRelay     = "Relay"
	ComponentDiscovery = "Discovery"

	// Storage components
	ComponentLocalStore = "LocalStore"
	ComponentDoc        = "Doc"

	// Server components
	ComponentSignalServer = "SignalServer"
	ComponentRelayServer  = "RelayServer"

	// Supporting components
	ComponentAgent         = "Agent"
	ComponentConfigManager = "ConfigManager"
	ComponentWatchdog      = "Watchdog"
	ComponentReachability  = "Reachability"
)
