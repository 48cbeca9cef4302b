// Package nodeid derives the identity a process stamps on the jobs it claims.
package nodeid

import (
	"fmt"
	"log"
	"os"

	"github.com/denisbrodbeck/machineid"
)

const appID = "nexus-core"

var protectedID = machineid.ProtectedID

// MachineID returns an app-scoped hash of the host's machine id, so the raw
// id never leaves the host. Falls back to the hostname.
func MachineID() string {
	id, err := protectedID(appID)
	if err != nil || id == "" {
		host, herr := os.Hostname()
		if herr != nil || host == "" {
			host = "unknown"
		}
		log.Printf("⚠️ [nodeid] machine id unavailable (%v), using hostname", err)
		return host
	}
	return id
}

// WorkerID is unique per process on a host: short machine id plus pid.
func WorkerID() string {
	id := MachineID()
	if len(id) > 12 {
		id = id[:12]
	}
	return fmt.Sprintf("%s-%d", id, os.Getpid())
}
