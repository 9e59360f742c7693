package scenario

import (
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/meshtopo-go/internal/peerregistry"
	internaltopology "github.com/rmacdonaldsmith/meshtopo-go/internal/topology"
	peerregistrypkg "github.com/rmacdonaldsmith/meshtopo-go/pkg/peerregistry"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/topology"
)

// Epoch is the fake clock's starting time
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// StepResult is the outcome of one step. A repeated state step records its last update.
type StepResult struct {
	Index  int
	Step   Step
	Update topology.Update
	Err    error
}

// Result is the outcome of a run
type Result struct {
	Name    string
	Steps   []StepResult
	Groups  []topology.MeshGroup
	Bridges topology.BridgeResult
	View    *topology.View
	Evicted []string
}

// Runner replays scenarios
type Runner struct {
	logger *zap.Logger
}

// NewRunner creates a runner. Manager and registry logs go to logger.
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{logger: logger.Named("scenario")}
}

// Run replays every step against a fresh manager. Steps that fail unexpectedly and unmet
// expectations are returned together as a multierror; the result is complete either way.
func (r *Runner) Run(s *Scenario) (*Result, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	now := Epoch
	clock := func() time.Time { return now }

	registry := peerregistry.NewMemDBRegistry(r.logger, peerregistry.WithClock(clock))
	manager, err := internaltopology.NewManager(s.Topology.Config(), registry, r.logger)
	if err != nil {
		return nil, err
	}

	res := &Result{Name: s.Name}
	var errs *multierror.Error

	for i, step := range s.Steps {
		sr := StepResult{Index: i + 1, Step: step}
		switch {
		case step.Join != "":
			role, perr := peerregistrypkg.ParseRole(step.Role)
			if perr != nil {
				sr.Err = perr
				break
			}
			sr.Update, sr.Err = manager.Handle(topology.PeerJoined{ID: step.Join, Role: role, Address: step.Address})
		case step.Leave != "":
			sr.Update, sr.Err = manager.OnPeerLeave(step.Leave)
		case step.State != "":
			state, perr := peerregistrypkg.ParseConnectionState(step.State)
			if perr != nil {
				sr.Err = perr
				break
			}
			repeat := step.Repeat
			if repeat == 0 {
				repeat = 1
			}
			for n := 0; n < repeat && sr.Err == nil; n++ {
				sr.Update, sr.Err = manager.OnConnectionStateChanged(step.Peer, state)
				res.Evicted = append(res.Evicted, sr.Update.Evicted...)
			}
		case step.Merge != 0:
			sr.Update, sr.Err = manager.ForceMerge(topology.GroupID(step.Merge))
		case step.Advance != 0:
			now = now.Add(step.Advance)
			sr.Update, sr.Err = manager.ExpireFailures(now)
		}
		if step.State == "" {
			res.Evicted = append(res.Evicted, sr.Update.Evicted...)
		}

		switch {
		case sr.Err != nil && !step.Fails:
			errs = multierror.Append(errs, fmt.Errorf("step %d (%s): %w", sr.Index, step, sr.Err))
		case sr.Err == nil && step.Fails:
			errs = multierror.Append(errs, fmt.Errorf("step %d (%s): expected an error", sr.Index, step))
		}
		r.logger.Debug("Replayed step",
			zap.Int("step", sr.Index),
			zap.Stringer("op", step),
			zap.Uint64("version", sr.Update.Version),
			zap.Int("actions", len(sr.Update.Actions)),
			zap.Error(sr.Err))
		res.Steps = append(res.Steps, sr)
	}

	res.Groups = manager.Groups()
	res.Bridges = manager.Bridges()
	res.View = manager.CurrentView()

	if s.Expect != nil {
		if err := res.Check(s.Expect); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return res, errs.ErrorOrNil()
}

// Check compares the final state with an expectation, reporting every mismatch
func (res *Result) Check(e *Expectation) error {
	var errs *multierror.Error

	if e.Groups != nil {
		got := make([][]string, 0, len(res.Groups))
		for _, g := range res.Groups {
			got = append(got, g.Members())
		}
		if !reflect.DeepEqual(got, e.Groups) {
			errs = multierror.Append(errs, fmt.Errorf("groups: expected %v, got %v", e.Groups, got))
		}
	}
	if e.Bridges != nil {
		got := make([][]string, 0, len(res.Bridges.Bridges))
		for _, b := range res.Bridges.Bridges {
			p := b.Pair()
			got = append(got, []string{p.A, p.B})
		}
		want := make([][]string, 0, len(e.Bridges))
		for _, b := range e.Bridges {
			if len(b) != 2 {
				errs = multierror.Append(errs, fmt.Errorf("bridges: %v is not a pair", b))
				continue
			}
			p := topology.NewPeerPair(b[0], b[1])
			want = append(want, []string{p.A, p.B})
		}
		if !reflect.DeepEqual(got, want) {
			errs = multierror.Append(errs, fmt.Errorf("bridges: expected %v, got %v", want, got))
		}
	}
	if e.Unreachable != nil {
		got := make([]uint32, 0, len(res.Bridges.Unreachable))
		for _, id := range res.Bridges.Unreachable {
			got = append(got, uint32(id))
		}
		if !reflect.DeepEqual(got, e.Unreachable) {
			errs = multierror.Append(errs, fmt.Errorf("unreachable: expected %v, got %v", e.Unreachable, got))
		}
	}
	if e.Evicted != nil {
		got := res.Evicted
		if got == nil {
			got = []string{}
		}
		if !reflect.DeepEqual(got, e.Evicted) {
			errs = multierror.Append(errs, fmt.Errorf("evicted: expected %v, got %v", e.Evicted, got))
		}
	}
	if e.Edges != nil && res.View.Len() != *e.Edges {
		errs = multierror.Append(errs, fmt.Errorf("edges: expected %d, got %d", *e.Edges, res.View.Len()))
	}
	return errs.ErrorOrNil()
}

// Write prints the replay, one line per step followed by its actions, then the final groups
func (res *Result) Write(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario %s\n", res.Name)
	for _, sr := range res.Steps {
		if sr.Err != nil {
			fmt.Fprintf(&b, "%3d %-24s error: %v\n", sr.Index, sr.Step, sr.Err)
			continue
		}
		fmt.Fprintf(&b, "%3d %-24s v%d %s\n", sr.Index, sr.Step, sr.Update.Version, sr.Update.Cause)
		for _, a := range sr.Update.Actions {
			fmt.Fprintf(&b, "      %s\n", a)
		}
		if len(sr.Update.Evicted) > 0 {
			fmt.Fprintf(&b, "      evicted %s\n", strings.Join(sr.Update.Evicted, ","))
		}
	}
	for _, g := range res.Groups {
		fmt.Fprintf(&b, "group %d: %s\n", g.ID, strings.Join(g.Members(), ","))
	}
	for _, br := range res.Bridges.Bridges {
		fmt.Fprintf(&b, "bridge %s\n", br)
	}
	for _, id := range res.Bridges.Unreachable {
		fmt.Fprintf(&b, "unreachable group %d\n", id)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
