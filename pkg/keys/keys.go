// Package keys derives Redis key names from a configured namespace prefix,
// job name, state, and id — the Key Namer of spec.md §2/§6.1.
package keys

import (
	"fmt"

	"github.com/jqcore/jqcore/pkg/job"
)

// Namer renders the key layout of spec.md §6.1 under a fixed prefix.
type Namer struct {
	Prefix string
}

// New builds a Namer for the given namespace prefix.
func New(prefix string) Namer {
	return Namer{Prefix: prefix}
}

// ID returns the monotonic job id counter key.
func (n Namer) ID() string { return n.Prefix + ":id" }

// Job returns the canonical per-job hash key.
func (n Namer) Job(id string) string { return fmt.Sprintf("%s:job:%s", n.Prefix, id) }

// Queue returns the FIFO list key for runnable ids of the given job name.
func (n Namer) Queue(name string) string { return fmt.Sprintf("%s:queue:%s", n.Prefix, name) }

// Scheduled returns the sorted-set key holding delayed/retry/ghost-delayed ids.
func (n Namer) Scheduled() string { return n.Prefix + ":scheduled" }

// State returns the per-state index set key.
func (n Namer) State(s job.State) string { return fmt.Sprintf("%s:state:%s", n.Prefix, s) }

// TimeIndex returns the creation-time sorted-set key.
func (n Namer) TimeIndex() string { return n.Prefix + ":time-index" }

// Result returns the per-job result key.
func (n Namer) Result(id string) string { return fmt.Sprintf("%s:result:%s", n.Prefix, id) }

// RateLimit returns the token-bucket hash key for the given job name.
func (n Namer) RateLimit(name string) string { return fmt.Sprintf("%s:ratelimit:%s", n.Prefix, name) }
