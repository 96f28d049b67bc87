package migrations

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/omahs/comet"
)

// MaxCatalogSize caps exhaustive enumeration. 2^20 scenarios is already a
// millionfold blow-up; larger catalogs need a sampling strategy instead.
const MaxCatalogSize = 20

var (
	ErrCatalogTooLarge = errors.New("catalog too large for exhaustive enumeration")
	ErrDuplicateName   = errors.New("duplicate migration name in catalog")
	ErrNilEnact        = errors.New("migration has no enact step")
)

// Scenario is one candidate subset of a catalog together with its canonical
// application order: the subset's members sorted by name ascending, never the
// order they were discovered in.
type Scenario struct {
	Sequence []Migration
}

// Names returns the migration names in application order. Since sequences are
// name-sorted, this doubles as the scenario's identity.
func (s Scenario) Names() []string {
	names := make([]string, len(s.Sequence))
	for i, m := range s.Sequence {
		names[i] = m.Name
	}
	return names
}

func (s Scenario) String() string {
	return "{" + strings.Join(s.Names(), ",") + "}"
}

// Solve enumerates the power set of the catalog: exactly 2^N scenarios for N
// migrations, the empty subset included, each subset exactly once. Subset i
// contains migration k iff bit k of i is set, so enumeration order is stable
// across runs and independent of catalog discovery order.
func Solve(catalog []Migration) ([]Scenario, error) {
	if len(catalog) > MaxCatalogSize {
		return nil, fmt.Errorf("%w: %d migrations", ErrCatalogTooLarge, len(catalog))
	}
	seen := make(map[string]struct{}, len(catalog))
	for _, m := range catalog {
		if _, ok := seen[m.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, m.Name)
		}
		if m.Enact == nil {
			return nil, fmt.Errorf("%w: %s", ErrNilEnact, m.Name)
		}
		seen[m.Name] = struct{}{}
	}

	scenarios := make([]Scenario, 0, 1<<len(catalog))
	for i := 0; i < 1<<len(catalog); i++ {
		subset := make([]Migration, 0)
		for k := 0; k < len(catalog); k++ {
			if i&(1<<k) != 0 {
				subset = append(subset, catalog[k])
			}
		}
		sort.Slice(subset, func(a, b int) bool {
			return subset[a].Name < subset[b].Name
		})
		scenarios = append(scenarios, Scenario{Sequence: subset})
	}
	return scenarios, nil
}

// FullScenario is the scenario containing the whole catalog, in canonical
// order. It is what a production run applies; Solve's power set exists to
// test that every partial combination is just as safe.
func FullScenario(catalog []Migration) Scenario {
	subset := make([]Migration, len(catalog))
	copy(subset, catalog)
	sort.Slice(subset, func(a, b int) bool {
		return subset[a].Name < subset[b].Name
	})
	return Scenario{Sequence: subset}
}

// Apply runs the scenario's migrations in order against dep: each unit's
// prepare produces an artifact its enact then applies. Application is
// sequential and fail-fast; the first failure aborts the remaining sequence
// and comes back as a *MigrationError. Scenarios touching the same live
// target must not be applied concurrently.
func Apply(ctx context.Context, dep *comet.Deployment, s Scenario) error {
	for _, m := range s.Sequence {
		if m.Enact == nil {
			return &MigrationError{Migration: m.Name, Scenario: s.String(), Err: ErrNilEnact}
		}
		dep.Log.Info("Applying migration", "migration", m.Name, "scenario", s.String())

		var artifact Artifact
		if m.Prepare != nil {
			var err error
			artifact, err = m.Prepare(ctx, dep)
			if err != nil {
				return &MigrationError{Migration: m.Name, Scenario: s.String(), Err: fmt.Errorf("prepare: %w", err)}
			}
		}
		if err := m.Enact(ctx, dep, artifact); err != nil {
			return &MigrationError{Migration: m.Name, Scenario: s.String(), Err: fmt.Errorf("enact: %w", err)}
		}
	}
	return nil
}
