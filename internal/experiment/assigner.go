// Package experiment assigns users to experiment variants. A user's first
// assignment is stored and returned for the life of the experiment, so a
// changed split only affects users not yet assigned.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/pkg/logger"
	"cardpilot.io/notifier/internal/repository"
)

// Buckets is the resolution of the traffic split.
const Buckets = 10000

// ErrUnknownExperiment is returned for an experiment that is not configured
// and has no stored assignment for the user.
var ErrUnknownExperiment = errors.New("unknown experiment")

// Variant is a named share of traffic.
type Variant struct {
	Name   string
	Weight int
}

// Experiment is a configured split.
type Experiment struct {
	ID       string
	Variants []Variant
}

// Validate checks that the split is usable.
func (e Experiment) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("experiment id is required")
	}
	if len(e.Variants) == 0 {
		return fmt.Errorf("experiment %s: no variants", e.ID)
	}
	seen := make(map[string]bool, len(e.Variants))
	for _, v := range e.Variants {
		if v.Name == "" {
			return fmt.Errorf("experiment %s: variant name is required", e.ID)
		}
		if v.Weight <= 0 {
			return fmt.Errorf("experiment %s: variant %s weight must be positive", e.ID, v.Name)
		}
		if seen[v.Name] {
			return fmt.Errorf("experiment %s: duplicate variant %s", e.ID, v.Name)
		}
		seen[v.Name] = true
	}
	return nil
}

// Bucket maps a user deterministically into [0, Buckets).
func Bucket(experimentID, userID string) int {
	return int(xxhash.Sum64String(experimentID+":"+userID) % Buckets)
}

// VariantFor returns the variant whose cumulative weight range contains
// bucket.
func (e Experiment) VariantFor(bucket int) string {
	total := 0
	for _, v := range e.Variants {
		total += v.Weight
	}
	point := bucket * total / Buckets
	cumulative := 0
	for _, v := range e.Variants {
		cumulative += v.Weight
		if point < cumulative {
			return v.Name
		}
	}
	return e.Variants[len(e.Variants)-1].Name
}

// Assigner hands out and memoizes assignments.
type Assigner struct {
	store       repository.AssignmentStore
	experiments map[string]Experiment
	now         func() time.Time
}

// NewAssigner validates the experiments and creates an Assigner.
func NewAssigner(store repository.AssignmentStore, experiments []Experiment) (*Assigner, error) {
	a := &Assigner{
		store:       store,
		experiments: make(map[string]Experiment, len(experiments)),
		now:         time.Now,
	}
	for _, e := range experiments {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if _, dup := a.experiments[e.ID]; dup {
			return nil, fmt.Errorf("duplicate experiment %s", e.ID)
		}
		a.experiments[e.ID] = e
	}
	return a, nil
}

// Experiments lists the configured experiment ids.
func (a *Assigner) Experiments() []string {
	ids := make([]string, 0, len(a.experiments))
	for id := range a.experiments {
		ids = append(ids, id)
	}
	return ids
}

// Assign returns the user's variant, assigning one on first use. When two
// callers race, both get the variant that was stored first.
func (a *Assigner) Assign(ctx context.Context, experimentID, userID string) (*domain.Assignment, error) {
	existing, err := a.store.GetAssignment(ctx, experimentID, userID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("get assignment: %w", err)
	}

	exp, ok := a.experiments[experimentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExperiment, experimentID)
	}

	bucket := Bucket(experimentID, userID)
	stored, err := a.store.InsertAssignmentIfAbsent(ctx, &domain.Assignment{
		ExperimentID: experimentID,
		UserID:       userID,
		Variant:      exp.VariantFor(bucket),
		AssignedAt:   a.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("store assignment: %w", err)
	}

	logger.Debug("Experiment variant assigned",
		zap.String("experiment_id", experimentID),
		zap.String("user_id", userID),
		zap.String("variant", stored.Variant),
		zap.Int("bucket", bucket),
	)
	return stored, nil
}
