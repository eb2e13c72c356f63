// Package admin implements the process-local runtime-override surface:
// a single recognised "set <key> <value> [--ttl <duration|max>]"
// shell-style command, layered on top of internal/config.Surface so
// every package that reads configuration through Surface sees an
// override transparently until it expires.
package admin

import (
	"sync"
	"time"

	"github.com/seaweedfs/placement/internal/config"
	"github.com/seaweedfs/placement/internal/glog"
)

// maxTTL is the sentinel duration used when the operator passes
// "--ttl max": the override never expires on its own and must be
// cleared explicitly (by setting it again or restarting the process).
const maxTTL = time.Duration(1<<63 - 1)

type override struct {
	value   interface{}
	expires time.Time // zero means maxTTL, never expires
}

func (o override) expired(now time.Time) bool {
	return !o.expires.IsZero() && now.After(o.expires)
}

// Overrides layers process-local, TTL-bounded overrides on top of an
// underlying config.Surface. It implements config.Surface itself, so
// it can be handed to anything that was built against the plain
// Surface interface (internal/supervisor, internal/enumerator) without
// those packages knowing overrides exist.
type Overrides struct {
	mu   sync.Mutex
	base config.Surface
	vals map[string]override
}

// New wraps base with an initially empty override table.
func New(base config.Surface) *Overrides {
	return &Overrides{base: base, vals: make(map[string]override)}
}

// Set installs a process-local override for key that takes precedence
// over the underlying surface until ttl elapses. ttl of 0 means
// maxTTL (never expires). Set is called directly by the set command
// and is exported so other callers (tests, an RPC front end) can drive
// it without going through command parsing.
func (o *Overrides) Set(key string, value interface{}, ttl time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ov := override{value: value}
	if ttl > 0 && ttl != maxTTL {
		ov.expires = time.Now().Add(ttl)
	}
	o.vals[key] = ov
	glog.V(1).Infof("admin: set %s = %v (ttl=%v)", key, value, ttl)
}

// Clear removes any override for key, reverting to the underlying
// surface immediately.
func (o *Overrides) Clear(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.vals, key)
}

// lookup returns the live override for key, evicting it first if it
// has expired.
func (o *Overrides) lookup(key string) (interface{}, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ov, ok := o.vals[key]
	if !ok {
		return nil, false
	}
	if ov.expired(time.Now()) {
		delete(o.vals, key)
		return nil, false
	}
	return ov.value, true
}

func (o *Overrides) GetBool(key string) bool {
	if v, ok := o.lookup(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return o.base.GetBool(key)
}

func (o *Overrides) GetInt(key string) int {
	if v, ok := o.lookup(key); ok {
		if i, ok := v.(int); ok {
			return i
		}
	}
	return o.base.GetInt(key)
}

func (o *Overrides) GetDuration(key string) time.Duration {
	if v, ok := o.lookup(key); ok {
		if d, ok := v.(time.Duration); ok {
			return d
		}
	}
	return o.base.GetDuration(key)
}

func (o *Overrides) GetString(key string) string {
	if v, ok := o.lookup(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return o.base.GetString(key)
}

func (o *Overrides) SetDefault(key string, value interface{}) {
	o.base.SetDefault(key, value)
}

var _ config.Surface = (*Overrides)(nil)
