package registration

import (
	"context"
	"errors"

	"github.com/ehr/intake/internal/domain/queue"
	"github.com/ehr/intake/internal/domain/registry"
	"github.com/ehr/intake/internal/platform/payload"
)

// resolveCreator looks the operator up by the encounter user id, falling
// back to the provider id.
func resolveCreator(ctx context.Context, reg registry.Registry, doc *payload.Document) (*registry.Operator, *queue.Problem) {
	user, _, _ := doc.TrimmedString(pathUserSystemID)
	provider, _, _ := doc.TrimmedString(pathProviderID)
	if user == "" && provider == "" {
		p := queue.Fatal(queue.KindMissingRequiredField, pathUserSystemID, "user system id or provider id is required")
		return nil, &p
	}

	for _, username := range []string{user, provider} {
		if username == "" {
			continue
		}
		op, err := reg.OperatorByUsername(ctx, username)
		if err == nil {
			return op, nil
		}
		if !errors.Is(err, registry.ErrNotFound) {
			p := registryFailure(pathUserSystemID, err)
			return nil, &p
		}
	}

	p := queue.Fatal(queue.KindUnresolvableReference, pathUserSystemID,
		"no operator with user id %q or provider id %q", user, provider)
	return nil, &p
}

func (b *builder) creatorStep(ctx context.Context, d registry.PersonDraft) (registry.PersonDraft, []queue.Problem) {
	op, p := resolveCreator(ctx, b.reg, b.doc)
	if p != nil {
		return d, []queue.Problem{*p}
	}
	d.Creator = op
	return d, nil
}
