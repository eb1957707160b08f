// Package exitcodes defines the standard exit codes used by jmrunner.
package exitcodes

// Exit code constants used by jmrunner
// These constants define the exit codes that the application uses to indicate
// various states when it exits:
//
// * Success (0): Used for a clean shutdown
// * ServeFailure (1): Used when the service fails while serving
// * ConfigErr (2): Used for configuration errors such as a bad config file or catalog
const (
	Success      = 0 // Clean shutdown
	ServeFailure = 1 // Service failed while serving
	ConfigErr    = 2 // Configuration errors
)
