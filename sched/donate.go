package sched

import "github.com/hvcore-project/hvcore/kobject"

// Donate attaches sc to blocked's helper queue (spec §4.H "Donation on
// IPC"): while attached, blocked's owner runs under sc instead of its
// own scheduling context. sc must already have been removed from its
// run queue by the caller; Donate does not dequeue it.
func Donate(blocked *kobject.EC, sc *kobject.SC) {
	blocked.AddHelper(sc)
}

// Undonate drains every SC helping blocked and re-enqueues each on its
// own home CPU (spec §4.H: "On unblock, the helper SCs are re-enqueued
// on their home CPUs").
func (s *Scheduler) Undonate(fromCPU int, blocked *kobject.EC) error {
	for _, sc := range blocked.DrainHelpers() {
		sc.Rearm()
		if err := s.Enqueue(fromCPU, sc); err != nil {
			return err
		}
	}
	return nil
}
