// Package migrations drives versioned protocol upgrades. A migration is a
// named prepare/enact pair; the composer enumerates every subset of a catalog
// so that upgrade safety can be tested against any combination of migrations
// a real target may already hold.
package migrations

import (
	"context"
	"fmt"

	"github.com/omahs/comet"
)

// Artifact is the opaque value a migration's prepare phase hands to its enact
// phase. The composer never inspects it.
type Artifact any

// Migration is one upgrade unit. Names must be unique within a catalog; the
// ascending lexical order of names is the canonical application order
// whenever several migrations apply together. Enact must mutate the target
// only through guarded actions so that re-applying against a target that
// already reflects the migration is a no-op.
type Migration struct {
	Name    string
	Prepare func(ctx context.Context, dep *comet.Deployment) (Artifact, error)
	Enact   func(ctx context.Context, dep *comet.Deployment, artifact Artifact) error
}

// MigrationError tags a prepare or enact failure with the responsible
// migration and the scenario being applied, so a failure is attributable to a
// specific migration combination.
type MigrationError struct {
	Migration string
	Scenario  string
	Err       error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %s (scenario %s): %v", e.Migration, e.Scenario, e.Err)
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}
