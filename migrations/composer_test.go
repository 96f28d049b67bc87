package migrations_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/omahs/comet"
	"github.com/omahs/comet/migrations"
)

func newTestDeployment() *comet.Deployment {
	return comet.NewDeployment(nil, log.NewLogger(log.DiscardHandler()))
}

// recorded returns a migration whose phases append to trace, with the enact
// phase verifying it received the artifact its own prepare produced.
func recorded(name string, trace *[]string) migrations.Migration {
	return migrations.Migration{
		Name: name,
		Prepare: func(ctx context.Context, dep *comet.Deployment) (migrations.Artifact, error) {
			*trace = append(*trace, name+":prepare")
			return name + ":artifact", nil
		},
		Enact: func(ctx context.Context, dep *comet.Deployment, artifact migrations.Artifact) error {
			if artifact != name+":artifact" {
				return fmt.Errorf("wrong artifact %v", artifact)
			}
			*trace = append(*trace, name+":enact")
			return nil
		},
	}
}

func TestSolveEnumeratesPowerSet(t *testing.T) {
	var trace []string
	catalog := []migrations.Migration{
		recorded("b_addCollateral", &trace),
		recorded("a_fixOracle", &trace),
		recorded("c_raiseCaps", &trace),
	}

	scenarios, err := migrations.Solve(catalog)
	require.NoError(t, err)
	require.Len(t, scenarios, 8)
	require.Empty(t, scenarios[0].Sequence, "subset 0 is the empty scenario")

	seen := make(map[string]struct{}, len(scenarios))
	for i, s := range scenarios {
		key := s.String()
		_, dup := seen[key]
		require.False(t, dup, "subset %s enumerated twice", key)
		seen[key] = struct{}{}

		// Membership follows the bitmask, sequence follows the names.
		want := []string{}
		for k := range catalog {
			if i&(1<<k) != 0 {
				want = append(want, catalog[k].Name)
			}
		}
		sort.Strings(want)
		require.Equal(t, want, s.Names())
	}
}

func TestSolveSequenceIgnoresDiscoveryOrder(t *testing.T) {
	var trace []string
	catalog := []migrations.Migration{
		recorded("b_addCollateral", &trace),
		recorded("a_fixOracle", &trace),
	}

	scenarios, err := migrations.Solve(catalog)
	require.NoError(t, err)
	require.Len(t, scenarios, 4)

	full := scenarios[3]
	require.Equal(t, []string{"a_fixOracle", "b_addCollateral"}, full.Names())

	require.NoError(t, migrations.Apply(context.Background(), newTestDeployment(), full))
	require.Equal(t, []string{
		"a_fixOracle:prepare", "a_fixOracle:enact",
		"b_addCollateral:prepare", "b_addCollateral:enact",
	}, trace)
}

func TestSolveRejectsDuplicateNames(t *testing.T) {
	var trace []string
	_, err := migrations.Solve([]migrations.Migration{
		recorded("a_fixOracle", &trace),
		recorded("a_fixOracle", &trace),
	})
	require.ErrorIs(t, err, migrations.ErrDuplicateName)
}

func TestSolveRejectsOversizedCatalog(t *testing.T) {
	var trace []string
	catalog := make([]migrations.Migration, migrations.MaxCatalogSize+1)
	for i := range catalog {
		catalog[i] = recorded(fmt.Sprintf("m_%02d", i), &trace)
	}
	_, err := migrations.Solve(catalog)
	require.ErrorIs(t, err, migrations.ErrCatalogTooLarge)
}

func TestApplyFailFastIsolation(t *testing.T) {
	enactErr := errors.New("configurator reverted")
	var trace []string

	broken := migrations.Migration{
		Name: "b_breaks",
		Prepare: func(ctx context.Context, dep *comet.Deployment) (migrations.Artifact, error) {
			trace = append(trace, "b_breaks:prepare")
			return nil, nil
		},
		Enact: func(ctx context.Context, dep *comet.Deployment, artifact migrations.Artifact) error {
			return enactErr
		},
	}
	catalog := []migrations.Migration{
		recorded("a_ok", &trace),
		broken,
		recorded("c_after", &trace),
	}

	failing := migrations.FullScenario(catalog)
	err := migrations.Apply(context.Background(), newTestDeployment(), failing)
	require.Error(t, err)

	var merr *migrations.MigrationError
	require.ErrorAs(t, err, &merr)
	require.Equal(t, "b_breaks", merr.Migration)
	require.Equal(t, "{a_ok,b_breaks,c_after}", merr.Scenario)
	require.ErrorIs(t, err, enactErr)

	require.Equal(t, []string{"a_ok:prepare", "a_ok:enact", "b_breaks:prepare"}, trace,
		"c_after must never start once b_breaks fails")

	// A sibling scenario without the broken unit completes normally.
	trace = trace[:0]
	sibling := migrations.FullScenario([]migrations.Migration{catalog[0], catalog[2]})
	require.NoError(t, migrations.Apply(context.Background(), newTestDeployment(), sibling))
	require.Equal(t, []string{"a_ok:prepare", "a_ok:enact", "c_after:prepare", "c_after:enact"}, trace)
}

func TestApplyPrepareFailureIsTagged(t *testing.T) {
	prepareErr := errors.New("artifact build failed")
	catalog := []migrations.Migration{{
		Name: "a_prepare_fails",
		Prepare: func(ctx context.Context, dep *comet.Deployment) (migrations.Artifact, error) {
			return nil, prepareErr
		},
		Enact: func(ctx context.Context, dep *comet.Deployment, artifact migrations.Artifact) error {
			t.Fatal("enact must not run when prepare fails")
			return nil
		},
	}}

	err := migrations.Apply(context.Background(), newTestDeployment(), migrations.FullScenario(catalog))
	var merr *migrations.MigrationError
	require.ErrorAs(t, err, &merr)
	require.Equal(t, "a_prepare_fails", merr.Migration)
	require.ErrorIs(t, err, prepareErr)
}

func TestSolveRejectsNilEnact(t *testing.T) {
	var trace []string
	_, err := migrations.Solve([]migrations.Migration{
		recorded("a_fixOracle", &trace),
		{Name: "b_unfinished"},
	})
	require.ErrorIs(t, err, migrations.ErrNilEnact)
	require.Contains(t, err.Error(), "b_unfinished")
}

func TestApplyRejectsNilEnact(t *testing.T) {
	// FullScenario skips Solve's catalog validation, so Apply has to catch
	// the incomplete unit itself instead of panicking on it.
	scenario := migrations.FullScenario([]migrations.Migration{{
		Name: "a_unfinished",
		Prepare: func(ctx context.Context, dep *comet.Deployment) (migrations.Artifact, error) {
			t.Fatal("prepare must not run for a unit with no enact")
			return nil, nil
		},
	}})

	err := migrations.Apply(context.Background(), newTestDeployment(), scenario)
	var merr *migrations.MigrationError
	require.ErrorAs(t, err, &merr)
	require.Equal(t, "a_unfinished", merr.Migration)
	require.ErrorIs(t, err, migrations.ErrNilEnact)
}

func TestApplyGuardedEnactIsIdempotent(t *testing.T) {
	// Simulated target: enact mutates it only through a guarded action, so a
	// second application of the same scenario is observationally a no-op.
	target := map[string]bool{}
	effectRuns := map[string]int{}

	guarded := func(name string) migrations.Migration {
		return migrations.Migration{
			Name: name,
			Enact: func(ctx context.Context, dep *comet.Deployment, artifact migrations.Artifact) error {
				return comet.GuardedAction{
					Check: func(ctx context.Context) (bool, error) { return !target[name], nil },
					Run: func(ctx context.Context) error {
						target[name] = true
						effectRuns[name]++
						return nil
					},
				}.Execute(ctx)
			},
		}
	}

	scenario := migrations.FullScenario([]migrations.Migration{
		guarded("a_fixOracle"),
		guarded("b_addCollateral"),
	})

	dep := newTestDeployment()
	require.NoError(t, migrations.Apply(context.Background(), dep, scenario))
	require.NoError(t, migrations.Apply(context.Background(), dep, scenario))

	require.Equal(t, map[string]bool{"a_fixOracle": true, "b_addCollateral": true}, target)
	require.Equal(t, map[string]int{"a_fixOracle": 1, "b_addCollateral": 1}, effectRuns,
		"re-applying an already applied scenario must not re-run effects")
}

func TestApplyEmptyScenario(t *testing.T) {
	scenarios, err := migrations.Solve(nil)
	require.NoError(t, err)
	require.Len(t, scenarios, 1)
	require.NoError(t, migrations.Apply(context.Background(), newTestDeployment(), scenarios[0]))
}

func TestFullScenarioSortsByName(t *testing.T) {
	var trace []string
	catalog := []migrations.Migration{
		recorded("c_raiseCaps", &trace),
		recorded("a_fixOracle", &trace),
		recorded("b_addCollateral", &trace),
	}
	require.Equal(t, []string{"a_fixOracle", "b_addCollateral", "c_raiseCaps"},
		migrations.FullScenario(catalog).Names())
	require.Equal(t, []string{"c_raiseCaps", "a_fixOracle", "b_addCollateral"},
		[]string{catalog[0].Name, catalog[1].Name, catalog[2].Name},
		"solving must not reorder the catalog itself")
}
