package instance

import "os"

// ID returns the process instance identifier used in log fields.
// Heroku-style dynos expose DYNO; container deployments set WORKER_ID.
func ID() string {
	if id := os.Getenv("DYNO"); id != "" {
		return id
	}
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	return "local"
}
