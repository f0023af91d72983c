package registration

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ehr/intake/internal/domain/queue"
	"github.com/ehr/intake/internal/domain/registry"
)

// AttributeMapping reads one person attribute from a patient payload key.
// The type is resolved by UUID when set, then by Name.
type AttributeMapping struct {
	UUID string
	Name string
	Key  string
}

// DefaultAttributeMappings is the attribute table used when Options leaves
// Attributes empty.
func DefaultAttributeMappings() []AttributeMapping {
	return []AttributeMapping{
		{Name: "Mother's Name", Key: "mothers_name"},
		{Name: "Contact Phone Number", Key: "phone_number"},
		{UUID: "8d87236c-c2cc-11de-8d13-0010c6dffd0f", Name: "Nearest Health Center", Key: "nearest_health_center"},
		{UUID: "2f65dbcb-3e58-45a3-8be7-fd1dc9aa0faa", Name: "Email Address", Key: "email_address"},
		{UUID: "48876f06-7493-416e-855d-8413d894ea93", Name: "Guardian First Name", Key: "guardian_first_name"},
		{UUID: "bb8684a5-ac0b-4c2c-b9a5-1203e99952c2", Name: "Guardian Last Name", Key: "guardian_last_name"},
		{UUID: "72a759a8-1359-11df-a1f1-0026b9348838", Name: "Alternate Phone Number", Key: "alternate_phone_contact"},
		{UUID: "72a75bec-1359-11df-a1f1-0026b9348838", Name: "Next of Kin Name", Key: "next_of_kin_name"},
		{Name: "Next of Kin Relationship", Key: "next_of_kin_relationship"},
		{Name: "Next of Kin Contact", Key: "next_of_kin_contact"},
		{Name: "Next of Kin Address", Key: "next_of_kin_address"},
	}
}

func (m AttributeMapping) String() string {
	if m.Name != "" {
		return m.Name
	}
	return m.UUID
}

func attributeType(ctx context.Context, reg registry.Registry, m AttributeMapping) (*registry.AttributeType, error) {
	if id, err := uuid.Parse(m.UUID); err == nil {
		t, err := reg.AttributeTypeByUUID(ctx, id)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, registry.ErrNotFound) {
			return nil, err
		}
	}
	if m.Name != "" {
		return reg.AttributeTypeByName(ctx, m.Name)
	}
	return nil, registry.ErrNotFound
}

// attributesStep resolves each mapped type before reading its value. An
// unknown type is a warning; a blank or absent value adds nothing.
func (b *builder) attributesStep(ctx context.Context, d registry.PersonDraft) (registry.PersonDraft, []queue.Problem) {
	var problems []queue.Problem
	d = d.Clone()
	for _, m := range b.opts.Attributes {
		path := patientField(m.Key)

		typ, err := attributeType(ctx, b.reg, m)
		if err != nil {
			problems = append(problems, lookupProblem(err,
				queue.Warning(queue.KindUnresolvableReference, path, "attribute type %q not found", m)))
			continue
		}

		v, ok, err := b.doc.TrimmedString(path)
		if err != nil {
			problems = append(problems, malformed(path, err, false))
			continue
		}
		if ok {
			d.SetAttribute(registry.Attribute{Type: typ, Value: v})
		}
	}
	return d, problems
}
