package conflict

import (
	"context"
	"fmt"

	"github.com/alexjbarnes/notesync/internal/models"
)

// Resolver decides how a conflict is settled. ResolutionNone leaves the
// note untouched for this cycle.
type Resolver interface {
	Resolve(ctx context.Context, c Conflict) (models.Resolution, error)
}

// ResolverFunc adapts a function to Resolver. It is the shape of the
// UI callback.
type ResolverFunc func(ctx context.Context, c Conflict) (models.Resolution, error)

func (f ResolverFunc) Resolve(ctx context.Context, c Conflict) (models.Resolution, error) {
	return f(ctx, c)
}

// NewestWins keeps whichever side was modified most recently. Ties and
// delete/edit conflicts keep the remote copy.
type NewestWins struct{}

func (NewestWins) Resolve(_ context.Context, c Conflict) (models.Resolution, error) {
	if c.Local == nil {
		return models.ResolutionKeepRemote, nil
	}

	if c.Local.ModifiedDate.After(c.Remote.ModifiedDate) {
		return models.ResolutionKeepLocal, nil
	}

	return models.ResolutionKeepRemote, nil
}

// Fixed always returns the same resolution.
type Fixed models.Resolution

func (f Fixed) Resolve(context.Context, Conflict) (models.Resolution, error) {
	return models.Resolution(f), nil
}

// Protocol tries Auto first, when configured, and hands anything it
// leaves unresolved to Prompt. With neither set every conflict stays
// unresolved.
type Protocol struct {
	Auto   Resolver
	Prompt Resolver
}

func (p Protocol) Resolve(ctx context.Context, c Conflict) (models.Resolution, error) {
	if p.Auto != nil {
		r, err := p.Auto.Resolve(ctx, c)
		if err != nil {
			return models.ResolutionNone, fmt.Errorf("automatic resolution: %w", err)
		}

		if r != models.ResolutionNone {
			return r, nil
		}
	}

	if p.Prompt == nil {
		return models.ResolutionNone, nil
	}

	r, err := p.Prompt.Resolve(ctx, c)
	if err != nil {
		return models.ResolutionNone, fmt.Errorf("prompting for resolution: %w", err)
	}

	return r, nil
}

// Policy names accepted by ParsePolicy.
const (
	PolicyPrompt = "prompt"
	PolicyNewest = "newest"
	PolicyLocal  = "local"
	PolicyRemote = "remote"
)

// ParsePolicy maps a configured policy name to an automatic resolver.
// PolicyPrompt returns nil: no automatic resolution.
func ParsePolicy(name string) (Resolver, error) {
	switch name {
	case PolicyPrompt, "":
		return nil, nil
	case PolicyNewest:
		return NewestWins{}, nil
	case PolicyLocal:
		return Fixed(models.ResolutionKeepLocal), nil
	case PolicyRemote:
		return Fixed(models.ResolutionKeepRemote), nil
	default:
		return nil, fmt.Errorf("unknown conflict policy %q", name)
	}
}
