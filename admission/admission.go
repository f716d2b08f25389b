// Package admission decides at connect time whether a transport connection
// may join, and evicts connections that stop answering.
package admission

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
)

var (
	// ErrSourceCapacity rejects a connection whose source address already
	// holds the per-source maximum.
	ErrSourceCapacity = errors.New("capacity_source")
	// ErrGlobalCapacity rejects a connection when the instance is full.
	ErrGlobalCapacity = errors.New("capacity_global")
)

// Reason returns the close reason for an admission error.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrSourceCapacity):
		return ErrSourceCapacity.Error()
	case errors.Is(err, ErrGlobalCapacity):
		return ErrGlobalCapacity.Error()
	case err == nil:
		return ""
	default:
		return "capacity"
	}
}

// Admission enforces a per-source cap and a global cap. Checks are O(1) and
// happen before any handshake work.
type Admission struct {
	perSource int
	global    int

	mu       sync.Mutex
	total    int
	bySource map[string]int
	rejected map[string]uint64
}

// New returns an Admission. perSource and global must be positive.
func New(perSource, global int) (*Admission, error) {
	if perSource <= 0 || global <= 0 {
		return nil, fmt.Errorf("admission: caps must be positive (per_source=%d global=%d)", perSource, global)
	}
	return &Admission{
		perSource: perSource,
		global:    global,
		bySource:  make(map[string]int),
		rejected:  make(map[string]uint64),
	}, nil
}

// Ticket is held for the lifetime of an admitted connection.
type Ticket struct {
	Source string

	a    *Admission
	once sync.Once
}

// Release returns the slot. Safe to call more than once.
func (t *Ticket) Release() {
	t.once.Do(func() { t.a.release(t.Source) })
}

// TryAdmit reserves a slot for source or reports why it cannot.
func (a *Admission) TryAdmit(source string) (*Ticket, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.total >= a.global {
		a.rejected[ErrGlobalCapacity.Error()]++
		return nil, ErrGlobalCapacity
	}
	if a.bySource[source] >= a.perSource {
		a.rejected[ErrSourceCapacity.Error()]++
		return nil, fmt.Errorf("%w: %s holds %d", ErrSourceCapacity, source, a.bySource[source])
	}
	a.total++
	a.bySource[source]++
	return &Ticket{Source: source, a: a}, nil
}

func (a *Admission) release(source string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total--
	if n := a.bySource[source] - 1; n > 0 {
		a.bySource[source] = n
	} else {
		delete(a.bySource, source)
	}
}

// Snapshot is a point-in-time view of admission state.
type Snapshot struct {
	Total     int               `json:"total"`
	Sources   int               `json:"sources"`
	PerSource int               `json:"per_source_cap"`
	Global    int               `json:"global_cap"`
	Rejected  map[string]uint64 `json:"rejected"`
}

// Snapshot reports current totals.
func (a *Admission) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	rej := make(map[string]uint64, len(a.rejected))
	for k, v := range a.rejected {
		rej[k] = v
	}
	return Snapshot{
		Total:     a.total,
		Sources:   len(a.bySource),
		PerSource: a.perSource,
		Global:    a.global,
		Rejected:  rej,
	}
}

// SourceAddr extracts the client address from r. X-Forwarded-For is only
// honored when trustProxy is set; otherwise any client could pick its own
// source and dodge the per-source cap.
func SourceAddr(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if i := strings.IndexByte(xff, ','); i >= 0 {
				xff = xff[:i]
			}
			if ip := strings.TrimSpace(xff); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
