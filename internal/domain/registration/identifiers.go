package registration

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/intake/internal/domain/queue"
	"github.com/ehr/intake/internal/domain/registry"
	"github.com/ehr/intake/internal/platform/idgen"
	"github.com/ehr/intake/internal/platform/payload"
)

// identifierType resolves a type by uuid first, then by name.
func identifierType(ctx context.Context, reg registry.Registry, typeUUID, name string) (*registry.IdentifierType, error) {
	if id, err := uuid.Parse(typeUUID); err == nil {
		t, err := reg.IdentifierTypeByUUID(ctx, id)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, registry.ErrNotFound) {
			return nil, err
		}
	}
	if name != "" {
		return reg.IdentifierTypeByName(ctx, name)
	}
	return nil, registry.ErrNotFound
}

// resolvePreferredIdentifier asks the identifier service for a new value
// and types it with the configured primary identifier type.
func (b *builder) resolvePreferredIdentifier(ctx context.Context) (*registry.Identifier, []queue.Problem) {
	const field = "primary_identifier"

	ref := b.opts.PrimaryIdentifierType
	typ, err := identifierType(ctx, b.reg, ref, ref)
	if err != nil {
		return nil, []queue.Problem{lookupProblem(err,
			queue.Fatal(queue.KindUnresolvableReference, field, "primary identifier type %q not found", ref))}
	}

	operatorID, ok, err := b.doc.TrimmedString(pathProviderID)
	if err != nil {
		return nil, []queue.Problem{malformed(pathProviderID, err, true)}
	}
	if !ok {
		if operatorID, ok, _ = b.doc.TrimmedString(pathUserSystemID); !ok {
			return nil, []queue.Problem{queue.Fatal(queue.KindMissingRequiredField, pathProviderID,
				"an operator id is required to issue the primary identifier")}
		}
	}

	value, err := b.issuer.Issue(ctx, operatorID)
	if err != nil {
		p := queue.Fatal(queue.KindExternalServiceFailure, field, "identifier service could not issue an identifier").WithErr(err)
		if idgen.IsRetryable(err) {
			p = p.AsRetryable()
		}
		return nil, []queue.Problem{p}
	}

	return &registry.Identifier{Type: typ, Value: value, Preferred: true}, nil
}

// resolveOtherIdentifiers decodes the single other-identifier field, which
// may be one object or an array, then every prefixed key in sorted order.
// Undecodable identifiers are reported and dropped.
func (b *builder) resolveOtherIdentifiers(ctx context.Context) ([]registry.Identifier, []queue.Problem) {
	var out []registry.Identifier
	var problems []queue.Problem

	add := func(field string, v interface{}) {
		obj, ok := v.(map[string]interface{})
		if !ok {
			problems = append(problems, queue.Warning(queue.KindMalformedField, field, "identifier must be an object"))
			return
		}
		id, ps := b.decodeIdentifier(ctx, field, payload.FromObject(obj))
		problems = append(problems, ps...)
		if id != nil {
			out = append(out, *id)
		}
	}

	if v, ok, err := b.doc.Value(pathOtherIdentifier); err != nil {
		problems = append(problems, malformed(pathOtherIdentifier, err, false))
	} else if ok {
		if arr, isArr := v.([]interface{}); isArr {
			for _, el := range arr {
				add(pathOtherIdentifier, el)
			}
		} else {
			add(pathOtherIdentifier, v)
		}
	}

	patient, ok, err := b.doc.Object(pathPatient)
	if err != nil || !ok {
		return out, problems
	}
	keys := make([]string, 0)
	for k := range patient {
		if strings.HasPrefix(k, otherIdentifierPrefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		add(payload.Key("patient", k), patient[k])
	}
	return out, problems
}

func (b *builder) decodeIdentifier(ctx context.Context, field string, obj *payload.Document) (*registry.Identifier, []queue.Problem) {
	typeUUID, _, _ := obj.TrimmedString(pathIdentifierTypeUUID)
	typeName, _, _ := obj.TrimmedString(pathIdentifierTypeName)
	value, hasValue, _ := obj.TrimmedString(pathIdentifierValue)

	var problems []queue.Problem
	if typeUUID == "" && typeName == "" {
		problems = append(problems, queue.Warning(queue.KindMissingRequiredField, field,
			"identifier type name or uuid must be supplied"))
	}
	if !hasValue {
		problems = append(problems, queue.Warning(queue.KindMissingRequiredField, field,
			"identifier value is blank for type name %q, uuid %q", typeName, typeUUID))
	}
	if len(problems) > 0 {
		return nil, problems
	}

	typ, err := identifierType(ctx, b.reg, typeUUID, typeName)
	if err != nil {
		return nil, []queue.Problem{lookupProblem(err, queue.Warning(queue.KindUnresolvableReference, field,
			"identifier type not found: name %q, uuid %q", typeName, typeUUID))}
	}
	return &registry.Identifier{Type: typ, Value: value}, nil
}

// attachIssuingLocation stamps every identifier with the encounter location.
func (b *builder) attachIssuingLocation(ctx context.Context, ids []registry.Identifier) ([]registry.Identifier, []queue.Problem) {
	locationID, ok, err := b.doc.TrimmedString(pathLocationID)
	if err != nil {
		return ids, []queue.Problem{malformed(pathLocationID, err, true)}
	}
	if !ok {
		return ids, []queue.Problem{queue.Fatal(queue.KindMissingRequiredField, pathLocationID, "encounter location is required")}
	}

	loc, err := b.reg.LocationByID(ctx, locationID)
	if err != nil {
		return ids, []queue.Problem{lookupProblem(err,
			queue.Fatal(queue.KindUnresolvableReference, pathLocationID, "location %q not found", locationID))}
	}

	out := make([]registry.Identifier, len(ids))
	for i, id := range ids {
		id.Location = loc
		out[i] = id
	}
	return out, nil
}

// identifiersStep puts the preferred identifier first, then the others; a
// second identifier of a type already present is dropped.
func (b *builder) identifiersStep(ctx context.Context, d registry.PersonDraft) (registry.PersonDraft, []queue.Problem) {
	var problems []queue.Problem
	var ids []registry.Identifier

	preferred, ps := b.resolvePreferredIdentifier(ctx)
	problems = append(problems, ps...)
	if preferred != nil {
		ids = append(ids, *preferred)
	}

	others, ps := b.resolveOtherIdentifiers(ctx)
	problems = append(problems, ps...)
	for _, o := range others {
		if hasIdentifierType(ids, o.Type) {
			problems = append(problems, queue.Warning(queue.KindMalformedField, pathOtherIdentifier,
				"duplicate identifier of type %q dropped", o.Type.Name))
			continue
		}
		ids = append(ids, o)
	}

	ids, ps = b.attachIssuingLocation(ctx, ids)
	problems = append(problems, ps...)

	d = d.Clone()
	d.Identifiers = ids
	return d, problems
}

func hasIdentifierType(ids []registry.Identifier, t *registry.IdentifierType) bool {
	for _, id := range ids {
		if id.Type.ID == t.ID {
			return true
		}
	}
	return false
}
