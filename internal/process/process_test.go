package process

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shoenig/test/must"

	"github.com/legatoproject/legato-af-sub020/internal/reaper"
)

func TestPriority_RTLevel(t *testing.T) {
	must.Eq(t, 0, PriorityIdle.RTLevel())
	must.Eq(t, 1, Priority("rt1").RTLevel())
	must.Eq(t, 32, Priority("rt32").RTLevel())
	must.Eq(t, 32, Priority("rt99").RTLevel()) // clamped
	must.True(t, Priority("rt5").IsRealtime())
	must.False(t, PriorityHigh.IsRealtime())
}

func normalExit() reaper.Outcome  { return reaper.Outcome{Exited: true, ExitCode: 0} }
func faultExit(code int) reaper.Outcome {
	return reaper.Outcome{Exited: true, ExitCode: code}
}

func TestEvaluate_NormalExit_NoFault(t *testing.T) {
	p := New(Config{Name: "echo", FaultAction: ActionRestart}, nil)
	p.state = Running
	act := p.Evaluate(normalExit(), time.Now())
	must.Eq(t, ActionIgnore, act)
	must.Eq(t, Stopped, p.State())
}

func TestEvaluate_FaultWithinProbation_ForcesStopApp(t *testing.T) {
	p := New(Config{Name: "crasher", FaultAction: ActionRestart, Probation: 30 * time.Second}, nil)
	p.state = Running
	start := time.Now()

	act := p.Evaluate(faultExit(1), start)
	must.Eq(t, ActionRestart, act)

	p.state = Running // simulate the restart
	act = p.Evaluate(faultExit(1), start.Add(5*time.Second))
	must.Eq(t, ActionStopApp, act)
}

func TestEvaluate_FaultAfterProbation_DoesNotForceStopApp(t *testing.T) {
	p := New(Config{Name: "flaky", FaultAction: ActionRestart, Probation: 10 * time.Millisecond}, nil)
	p.state = Running
	start := time.Now()

	act := p.Evaluate(faultExit(1), start)
	must.Eq(t, ActionRestart, act)

	p.state = Running
	act = p.Evaluate(faultExit(1), start.Add(time.Second))
	must.Eq(t, ActionRestart, act)
}

func TestClearFaultHistory_ResetsCounter(t *testing.T) {
	p := New(Config{Name: "x", FaultAction: ActionRestart, Probation: time.Hour}, nil)
	p.state = Running
	start := time.Now()
	must.Eq(t, ActionRestart, p.Evaluate(faultExit(1), start))

	p.ClearFaultHistory()
	p.state = Running
	// Without the forced reset this would be within probation (1h) and
	// hit the two-fault floor; after ClearFaultHistory it must not.
	must.Eq(t, ActionRestart, p.Evaluate(faultExit(1), start.Add(time.Millisecond)))
}

// faultSnapshot is the diagnostic view of a process's fault record a
// Status/Info RPC reply would surface; comparing it structurally (rather
// than field by field) keeps the table below readable as cases grow.
type faultSnapshot struct {
	Action     FaultAction
	State      State
	FaultCount int
}

func snapshot(p *Process, action FaultAction) faultSnapshot {
	return faultSnapshot{Action: action, State: p.State(), FaultCount: p.faultCount}
}

func TestEvaluate_FaultRecordSnapshots(t *testing.T) {
	start := time.Now()

	cases := []struct {
		name string
		cfg  Config
		run  func(p *Process) faultSnapshot
		want faultSnapshot
	}{
		{
			name: "normal exit records no fault",
			cfg:  Config{Name: "echo", FaultAction: ActionRestart},
			run: func(p *Process) faultSnapshot {
				p.state = Running
				return snapshot(p, p.Evaluate(normalExit(), start))
			},
			want: faultSnapshot{Action: ActionIgnore, State: Stopped, FaultCount: 0},
		},
		{
			name: "first fault outside probation records one fault",
			cfg:  Config{Name: "crasher", FaultAction: ActionRestartApp, Probation: time.Hour},
			run: func(p *Process) faultSnapshot {
				p.state = Running
				return snapshot(p, p.Evaluate(faultExit(1), start))
			},
			want: faultSnapshot{Action: ActionRestartApp, State: Stopped, FaultCount: 1},
		},
		{
			name: "second fault within probation escalates to stopApp",
			cfg:  Config{Name: "crasher", FaultAction: ActionRestartApp, Probation: time.Hour},
			run: func(p *Process) faultSnapshot {
				p.state = Running
				_ = p.Evaluate(faultExit(1), start)
				p.state = Running
				return snapshot(p, p.Evaluate(faultExit(1), start.Add(time.Second)))
			},
			want: faultSnapshot{Action: ActionStopApp, State: Stopped, FaultCount: 2},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := New(tc.cfg, nil)
			got := tc.run(p)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("fault record snapshot mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
