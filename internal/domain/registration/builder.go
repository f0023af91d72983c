package registration

import (
	"context"
	"strings"

	"github.com/ehr/intake/internal/domain/queue"
	"github.com/ehr/intake/internal/domain/registry"
	"github.com/ehr/intake/internal/platform/idgen"
	"github.com/ehr/intake/internal/platform/payload"
)

// step is one stage of draft assembly. It returns the updated draft and
// whatever problems it found; it never persists anything.
type step func(ctx context.Context, d registry.PersonDraft) (registry.PersonDraft, []queue.Problem)

type builder struct {
	reg    registry.Registry
	issuer idgen.Issuer
	opts   Options
	doc    *payload.Document
}

func (b *builder) steps() []step {
	return []step{
		b.identifiersStep,
		b.birthDateStep,
		b.sexStep,
		b.nameStep,
		b.addressStep,
		b.attributesStep,
		b.creatorStep,
	}
}

// build runs every step, collecting all problems rather than stopping at
// the first fatal one.
func (b *builder) build(ctx context.Context) (registry.PersonDraft, []queue.Problem) {
	var d registry.PersonDraft
	var problems []queue.Problem
	for _, s := range b.steps() {
		var ps []queue.Problem
		d, ps = s(ctx, d)
		problems = append(problems, ps...)
	}
	return d, problems
}

func (b *builder) birthDateStep(_ context.Context, d registry.PersonDraft) (registry.PersonDraft, []queue.Problem) {
	var problems []queue.Problem

	born, ok, err := b.doc.Date(pathBirthDate)
	switch {
	case err != nil:
		problems = append(problems, queue.Fatal(queue.KindMalformedField, pathBirthDate,
			"birth date must use the %s layout", payload.DateLayout).WithErr(err))
	case ok:
		d.BirthDate = &born
	}

	estimated, ok, err := b.doc.Bool(pathBirthDateEstimated)
	if err != nil {
		problems = append(problems, malformed(pathBirthDateEstimated, err, false))
	} else if ok {
		d.BirthDateEstimated = estimated
	}
	return d, problems
}

func (b *builder) sexStep(_ context.Context, d registry.PersonDraft) (registry.PersonDraft, []queue.Problem) {
	sex, ok, err := b.doc.TrimmedString(pathSex)
	if err != nil {
		return d, []queue.Problem{malformed(pathSex, err, true)}
	}
	if !ok {
		return d, []queue.Problem{queue.Fatal(queue.KindMissingRequiredField, pathSex, "sex is required")}
	}
	d.Sex = strings.ToUpper(sex)
	return d, nil
}

// nameStep adds a name when given or family name is present. Middle name
// is optional and an unreadable one is only a warning.
func (b *builder) nameStep(_ context.Context, d registry.PersonDraft) (registry.PersonDraft, []queue.Problem) {
	var problems []queue.Problem
	read := func(path string) string {
		s, _, err := b.doc.TrimmedString(path)
		if err != nil {
			problems = append(problems, malformed(path, err, false))
		}
		return s
	}

	name := registry.PersonName{
		Given:  read(pathGivenName),
		Middle: read(pathMiddleName),
		Family: read(pathFamilyName),
	}
	if name.Given != "" || name.Family != "" {
		d.Name = &name
	}
	return d, problems
}

func (b *builder) addressStep(_ context.Context, d registry.PersonDraft) (registry.PersonDraft, []queue.Problem) {
	var problems []queue.Problem
	var addr registry.Address
	for _, f := range addressFields {
		path := patientField(f.key)
		v, ok, err := b.doc.TrimmedString(path)
		if err != nil {
			problems = append(problems, malformed(path, err, false))
			continue
		}
		if ok {
			f.set(&addr, v)
		}
	}
	if !addr.IsEmpty() {
		d = d.Clone()
		d.Addresses = append(d.Addresses, addr)
	}
	return d, problems
}
