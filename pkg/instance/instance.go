package instance

import "os"

// GetID names the running process for logs. Dyno and hostname are checked in
// that order before falling back to "local".
func GetID() string {
	for _, key := range []string{"DYNO", "HOSTNAME"} {
		if id := os.Getenv(key); id != "" {
			return id
		}
	}
	return "local"
}
