// Package pipeline holds the small linear Phase/PhaseResult primitive
// shared by zfssync, btrfssync, recovery, and migration: a pipeline is a
// sequence of named Phase steps, each a function returning stdout/stderr/
// error, run in order by a single driver that stops at the first failure
// and records one PhaseResult per step for the Job Log.
package pipeline

import "time"

// PhaseResult is the outcome of one pipeline phase.
type PhaseResult struct {
	Name      string
	Started   time.Time
	Completed time.Time
	Stdout    string
	Stderr    string
	Err       error
}

// Duration reports how long the phase ran.
func (r PhaseResult) Duration() time.Duration {
	return r.Completed.Sub(r.Started)
}

// Phase is one named step of a pipeline run.
type Phase struct {
	Name string
	Run  func() (stdout, stderr string, err error)
}

// RunPhases executes phases in order, stopping at the first error. Each
// result is appended to the returned slice regardless of success, so
// callers can persist a Job Log row per phase.
func RunPhases(phases []Phase) []PhaseResult {
	results := make([]PhaseResult, 0, len(phases))
	for _, ph := range phases {
		started := time.Now()
		stdout, stderr, err := ph.Run()
		results = append(results, PhaseResult{
			Name: ph.Name, Started: started, Completed: time.Now(),
			Stdout: stdout, Stderr: stderr, Err: err,
		})
		if err != nil {
			break
		}
	}
	return results
}
