package federation

import (
	"sort"
	"time"

	"github.com/BaSui01/hivemind/dispatcher"
)

// HiveStatus is the reachability of a peer hive.
type HiveStatus string

const (
	HiveReachable HiveStatus = "reachable"
	// HiveDegraded answers announcements but missed a forwarded task.
	HiveDegraded    HiveStatus = "degraded"
	HiveUnreachable HiveStatus = "unreachable"
)

// Hive is a federation member as seen from this hive.
type Hive struct {
	ID           string                  `json:"id"`
	Endpoint     string                  `json:"endpoint,omitempty"`
	Capabilities []dispatcher.Capability `json:"capabilities"`
	Workers      int                     `json:"workers"`
	Status       HiveStatus              `json:"status"`
	LastSeen     time.Time               `json:"lastSeen"`
	// Timeouts counts forwarded tasks that got no answer in time.
	Timeouts int `json:"timeouts"`
}

// Can reports whether the hive advertises c.
func (h *Hive) Can(c dispatcher.Capability) bool {
	for _, have := range h.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

func cloneHive(h *Hive) Hive {
	c := *h
	c.Capabilities = append([]dispatcher.Capability(nil), h.Capabilities...)
	return c
}

func sortHives(hives []Hive) {
	sort.Slice(hives, func(i, j int) bool { return hives[i].ID < hives[j].ID })
}
