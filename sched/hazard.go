package sched

import "github.com/sirupsen/logrus"

// Handlers maps each hazard bit to the function that services it.
// Every kernel exit path runs CheckHazards before returning to user
// (spec §4.H); a hazard's handler always runs to completion before the
// next one is considered.
type Handlers struct {
	Sched  func(cpu int)
	RCU    func(cpu int)
	FPU    func(cpu int)
	Recall func(cpu int)
	DSES   func(cpu int)
	TR     func(cpu int)
	TSC    func(cpu int)
}

// order fixes the sequence hazards are serviced in; SCHED runs last so
// a handler that raises another hazard (e.g. FPU raising RECALL) still
// gets a chance to reschedule afterward.
var order = []struct {
	bit uint32
	get func(h Handlers) func(int)
}{
	{HazardRCU, func(h Handlers) func(int) { return h.RCU }},
	{HazardFPU, func(h Handlers) func(int) { return h.FPU }},
	{HazardDSES, func(h Handlers) func(int) { return h.DSES }},
	{HazardTR, func(h Handlers) func(int) { return h.TR }},
	{HazardTSC, func(h Handlers) func(int) { return h.TSC }},
	{HazardRecall, func(h Handlers) func(int) { return h.Recall }},
	{HazardSched, func(h Handlers) func(int) { return h.Sched }},
}

// CheckHazards services every set hazard bit on cpu in order, clearing
// each bit immediately before running its handler so a handler that
// re-raises its own hazard is observed on the next exit, not dropped.
func (s *Scheduler) CheckHazards(cpu int, h Handlers) {
	word := s.Hazards(cpu)
	if word == 0 {
		return
	}
	for _, step := range order {
		if s.Hazards(cpu)&step.bit == 0 {
			continue
		}
		fn := step.get(h)
		s.ClearHazard(cpu, step.bit)
		if fn == nil {
			s.log.WithFields(logrus.Fields{"cpu": cpu, "bit": step.bit}).Warn("hazard set with no handler installed")
			continue
		}
		fn(cpu)
	}
}
