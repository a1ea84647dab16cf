package stats

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Source is the hub-side view the collector reports on. *ws.Registry
// satisfies it.
type Source interface {
	ConnCount() int
	SessionCount() int
	Subscriptions() map[string]int
	Counters() (published, delivered, dropped uint64)
}

// Stats is the /api/stats response body.
type Stats struct {
	Connections   int            `json:"connections"`
	Sessions      int            `json:"sessions"`
	Subscriptions map[string]int `json:"subscriptions"`

	EventsPublished uint64 `json:"eventsPublished"`
	FramesDelivered uint64 `json:"framesDelivered"`
	FramesDropped   uint64 `json:"framesDropped"`

	Goroutines int     `json:"goroutines"`
	CPUPercent float64 `json:"cpuPercent"`
	RSSBytes   uint64  `json:"rssBytes"`
	UptimeSecs float64 `json:"uptimeSecs"`
}

// Collector combines registry counters with process-level resource usage.
type Collector struct {
	src     Source
	proc    *process.Process
	started time.Time
}

func NewCollector(src Source) (*Collector, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Collector{src: src, proc: proc, started: time.Now()}, nil
}

func (c *Collector) Snapshot() Stats {
	published, delivered, dropped := c.src.Counters()
	s := Stats{
		Connections:     c.src.ConnCount(),
		Sessions:        c.src.SessionCount(),
		Subscriptions:   c.src.Subscriptions(),
		EventsPublished: published,
		FramesDelivered: delivered,
		FramesDropped:   dropped,
		Goroutines:      runtime.NumGoroutine(),
		UptimeSecs:      time.Since(c.started).Seconds(),
	}

	// Resource readings are best effort; failures leave the zero values.
	if cpu, err := c.proc.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if mem, err := c.proc.MemoryInfo(); err == nil && mem != nil {
		s.RSSBytes = mem.RSS
	}

	return s
}
