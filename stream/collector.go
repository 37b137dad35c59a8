package stream

import (
	"strings"
	"sync"
)

// Collector buffers every line published by a Reader, for use in diagnostics.
type Collector struct {
	sub *Subscription

	m  sync.Mutex
	sb strings.Builder
}

// NewCollector subscribes to r's lines. Call Close to stop collecting.
func NewCollector(r *Reader) *Collector {
	c := &Collector{}
	c.sub = r.OnLine(c.onLine)
	return c
}

func (c *Collector) onLine(line string) {
	c.m.Lock()
	defer c.m.Unlock()
	c.sb.WriteString(line)
}

// String returns the lines collected so far, concatenated with their terminators.
func (c *Collector) String() string {
	c.m.Lock()
	defer c.m.Unlock()
	return c.sb.String()
}

// Close stops collecting. The collected text remains available. It is safe to call more than once.
func (c *Collector) Close() {
	c.sub.Unsubscribe()
}
