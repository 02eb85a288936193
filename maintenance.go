package polyleaf

import (
	"log"
	"os"

	"github.com/robfig/cron/v3"
)

// Maintenance schedules a periodic background eviction sweep driven by
// Config.MaintenanceSchedule, a cron(5) expression. The buffer manager
// already evicts on demand inside AllocPage/handleFault via
// ensureFreePages; this is a purely optional, lower-priority sweep that
// keeps residency closer to the physical budget between bursts of
// allocation, the way a periodic vacuum job trims a store between writes
// rather than only at insert time.
type Maintenance struct {
	h   *Harness
	cr  *cron.Cron
	log *log.Logger
}

// NewMaintenance builds (but does not start) a scheduler for h. It returns
// (nil, nil) if cfg carries no MaintenanceSchedule, since an empty schedule
// means "on-demand eviction only" per spec.md section 6.
func NewMaintenance(h *Harness, cfg Config) (*Maintenance, error) {
	if cfg.MaintenanceSchedule == "" {
		return nil, nil
	}
	logger := log.New(os.Stderr, "polyleaf: maintenance: ", log.LstdFlags)
	cr := cron.New()
	m := &Maintenance{h: h, cr: cr, log: logger}
	id, err := cr.AddFunc(cfg.MaintenanceSchedule, m.sweep)
	if err != nil {
		return nil, newBadConfigError("invalid maintenance schedule %q", cfg.MaintenanceSchedule).wrap(err)
	}
	_ = id
	return m, nil
}

func (m *Maintenance) sweep() {
	before := m.h.Stats()
	m.h.RunMaintenance()
	after := m.h.Stats()
	m.log.Printf("eviction sweep: resident %d -> %d", before.PhysUsed, after.PhysUsed)
}

// Start begins running scheduled sweeps in the background.
func (m *Maintenance) Start() {
	if m == nil {
		return
	}
	m.cr.Start()
}

// Stop halts the scheduler and waits for any in-flight sweep to finish.
func (m *Maintenance) Stop() {
	if m == nil {
		return
	}
	<-m.cr.Stop().Done()
}
