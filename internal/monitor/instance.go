package monitor

import (
	"os"
	"sync"

	"github.com/denisbrodbeck/machineid"
)

var (
	instanceOnce sync.Once
	instanceID   string
)

// InstanceID returns a stable identifier for this host, hashed with the
// application name so different deployments on one machine stay
// distinguishable in status output. Falls back to the hostname when the
// machine id is unavailable (some containers).
func InstanceID() string {
	instanceOnce.Do(func() {
		id, err := machineid.ProtectedID("broker-core")
		if err != nil {
			host, herr := os.Hostname()
			if herr != nil {
				host = "unknown"
			}
			id = host
		}
		if len(id) > 12 {
			id = id[:12]
		}
		instanceID = id
	})
	return instanceID
}
