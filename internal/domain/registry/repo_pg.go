package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/intake/internal/platform/db"
)

type storePG struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) Registry {
	return &storePG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (s *storePG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

func (s *storePG) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, s.pool, fn)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// -- Reference data --

func (s *storePG) IdentifierTypeByUUID(ctx context.Context, id uuid.UUID) (*IdentifierType, error) {
	var t IdentifierType
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT id, uuid, name FROM identifier_type WHERE uuid = $1 AND NOT retired`, id,
	).Scan(&t.ID, &t.UUID, &t.Name)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (s *storePG) IdentifierTypeByName(ctx context.Context, name string) (*IdentifierType, error) {
	var t IdentifierType
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT id, uuid, name FROM identifier_type WHERE lower(name) = lower($1) AND NOT retired`, name,
	).Scan(&t.ID, &t.UUID, &t.Name)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (s *storePG) AttributeTypeByUUID(ctx context.Context, id uuid.UUID) (*AttributeType, error) {
	var t AttributeType
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT id, uuid, name FROM attribute_type WHERE uuid = $1 AND NOT retired`, id,
	).Scan(&t.ID, &t.UUID, &t.Name)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (s *storePG) AttributeTypeByName(ctx context.Context, name string) (*AttributeType, error) {
	var t AttributeType
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT id, uuid, name FROM attribute_type WHERE lower(name) = lower($1) AND NOT retired`, name,
	).Scan(&t.ID, &t.UUID, &t.Name)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (s *storePG) LocationByID(ctx context.Context, id string) (*Location, error) {
	var l Location
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT id, uuid, name FROM location WHERE id = $1 AND NOT retired`, id,
	).Scan(&l.ID, &l.UUID, &l.Name)
	if err != nil {
		return nil, notFound(err)
	}
	return &l, nil
}

func (s *storePG) OperatorByUsername(ctx context.Context, username string) (*Operator, error) {
	var o Operator
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT id, uuid, username FROM operator WHERE username = $1 AND NOT retired`, username,
	).Scan(&o.ID, &o.UUID, &o.Username)
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func (s *storePG) ConceptByID(ctx context.Context, id int) (*Concept, error) {
	var c Concept
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT id, uuid, name FROM concept WHERE id = $1 AND NOT retired`, id,
	).Scan(&c.ID, &c.UUID, &c.Name)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// -- Persons --

const personCols = `p.uuid, p.given_name, p.middle_name, p.family_name, p.birth_date, p.birth_date_estimated,
	p.sex, p.creator_id, p.created_at`

func scanPerson(row pgx.Row) (*Person, error) {
	var p Person
	var given, middle, family *string
	err := row.Scan(&p.UUID, &given, &middle, &family, &p.BirthDate, &p.BirthDateEstimated,
		&p.Sex, &p.CreatorID, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if given != nil || family != nil {
		p.Name = &PersonName{Given: deref(given), Middle: deref(middle), Family: deref(family)}
	}
	return &p, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *storePG) PersonByUUID(ctx context.Context, id uuid.UUID) (*Person, error) {
	p, err := scanPerson(s.conn(ctx).QueryRow(ctx, `SELECT `+personCols+` FROM person p WHERE p.uuid = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	if err := s.loadIdentifiers(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *storePG) SearchPersonsByName(ctx context.Context, name string, limit int) ([]*Person, error) {
	stems := nameStems(name)
	if len(stems) == 0 {
		return nil, nil
	}

	match := make([]string, 0, len(stems))
	hits := make([]string, 0, len(stems))
	args := make([]interface{}, 0, len(stems)+1)
	for _, stem := range stems {
		args = append(args, escapeLike(stem)+"%")
		n := len(args)
		m := fmt.Sprintf("(p.given_name ILIKE $%d OR p.middle_name ILIKE $%d OR p.family_name ILIKE $%d)", n, n, n)
		match = append(match, m)
		hits = append(hits, "CASE WHEN "+m+" THEN 1 ELSE 0 END")
	}
	args = append(args, limit)

	query := `SELECT ` + personCols + ` FROM person p WHERE ` + strings.Join(match, " OR ") +
		` ORDER BY (` + strings.Join(hits, " + ") + `) DESC, p.created_at` +
		fmt.Sprintf(` LIMIT $%d`, len(args))
	return s.searchPersons(ctx, query, args...)
}

func (s *storePG) SearchPersonsByIdentifier(ctx context.Context, value string, limit int) ([]*Person, error) {
	return s.searchPersons(ctx, `SELECT `+personCols+` FROM person p
		WHERE p.uuid IN (SELECT person_uuid FROM person_identifier WHERE value = $1)
		ORDER BY p.created_at LIMIT $2`, value, limit)
}

func (s *storePG) searchPersons(ctx context.Context, query string, args ...interface{}) ([]*Person, error) {
	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search persons: %w", err)
	}
	defer rows.Close()

	var persons []*Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		persons = append(persons, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, p := range persons {
		if err := s.loadIdentifiers(ctx, p); err != nil {
			return nil, err
		}
	}
	return persons, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *storePG) loadIdentifiers(ctx context.Context, p *Person) error {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT it.id, it.uuid, it.name, pi.value, pi.preferred, l.id, l.uuid, l.name
		FROM person_identifier pi
		JOIN identifier_type it ON it.id = pi.identifier_type_id
		LEFT JOIN location l ON l.id = pi.location_id
		WHERE pi.person_uuid = $1
		ORDER BY pi.preferred DESC, pi.id`, p.UUID)
	if err != nil {
		return fmt.Errorf("load identifiers: %w", err)
	}
	defer rows.Close()

	p.Identifiers = nil
	for rows.Next() {
		var ident Identifier
		var t IdentifierType
		var locID, locName *string
		var locUUID *uuid.UUID
		if err := rows.Scan(&t.ID, &t.UUID, &t.Name, &ident.Value, &ident.Preferred, &locID, &locUUID, &locName); err != nil {
			return fmt.Errorf("scan identifier: %w", err)
		}
		ident.Type = &t
		if locID != nil {
			ident.Location = &Location{ID: *locID, Name: deref(locName)}
			if locUUID != nil {
				ident.Location.UUID = *locUUID
			}
		}
		p.Identifiers = append(p.Identifiers, ident)
	}
	return rows.Err()
}

// CreatePerson writes the person and its identifiers, addresses and
// attributes. Callers wanting atomicity with other writes use InTx.
func (s *storePG) CreatePerson(ctx context.Context, d *PersonDraft) (*Person, error) {
	if len(d.Identifiers) == 0 {
		return nil, errNoIdentifier
	}
	if d.Creator == nil {
		return nil, errNoCreator
	}

	p := &Person{
		UUID:               uuid.New(),
		Name:               d.Name,
		BirthDate:          d.BirthDate,
		BirthDateEstimated: d.BirthDateEstimated,
		Sex:                d.Sex,
		Identifiers:        d.Identifiers,
		Addresses:          d.Addresses,
		Attributes:         d.Attributes,
		CreatorID:          d.Creator.ID,
	}

	err := s.InTx(ctx, func(ctx context.Context) error {
		q := s.conn(ctx)
		var given, middle, family *string
		if d.Name != nil {
			given, middle, family = nullable(d.Name.Given), nullable(d.Name.Middle), nullable(d.Name.Family)
		}
		if err := q.QueryRow(ctx, `
			INSERT INTO person (uuid, given_name, middle_name, family_name, birth_date, birth_date_estimated, sex, creator_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING created_at`,
			p.UUID, given, middle, family, p.BirthDate, p.BirthDateEstimated, p.Sex, p.CreatorID,
		).Scan(&p.CreatedAt); err != nil {
			return fmt.Errorf("insert person: %w", err)
		}

		for _, ident := range d.Identifiers {
			var locID *string
			if ident.Location != nil {
				locID = &ident.Location.ID
			}
			if _, err := q.Exec(ctx, `
				INSERT INTO person_identifier (person_uuid, identifier_type_id, value, preferred, location_id)
				VALUES ($1, $2, $3, $4, $5)`,
				p.UUID, ident.Type.ID, ident.Value, ident.Preferred, locID,
			); err != nil {
				return fmt.Errorf("insert identifier %s: %w", ident.Type.Name, err)
			}
		}

		for i, a := range d.Addresses {
			if _, err := q.Exec(ctx, `
				INSERT INTO person_address (person_uuid, preferred, address1, address2, address4, address5, address6,
					city_village, state_province, county_district)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				p.UUID, i == 0, a.Address1, a.Address2, a.Address4, a.Address5, a.Address6,
				a.CityVillage, a.StateProvince, a.CountyDistrict,
			); err != nil {
				return fmt.Errorf("insert address: %w", err)
			}
		}

		for _, a := range d.Attributes {
			if _, err := q.Exec(ctx, `
				INSERT INTO person_attribute (person_uuid, attribute_type_id, value)
				VALUES ($1, $2, $3)`,
				p.UUID, a.Type.ID, a.Value,
			); err != nil {
				return fmt.Errorf("insert attribute %s: %w", a.Type.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// -- Registration links --

func (s *storePG) RegistrationLinkByTemporaryID(ctx context.Context, temporaryID string) (*RegistrationLink, error) {
	var l RegistrationLink
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT id, temporary_id, assigned_uuid, created_at
		FROM registration_link WHERE temporary_id = $1`, temporaryID,
	).Scan(&l.ID, &l.TemporaryID, &l.AssignedUUID, &l.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &l, nil
}

func (s *storePG) CreateRegistrationLink(ctx context.Context, l *RegistrationLink) error {
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO registration_link (temporary_id, assigned_uuid)
		VALUES ($1, $2)
		ON CONFLICT (temporary_id) DO NOTHING
		RETURNING id, created_at`,
		l.TemporaryID, l.AssignedUUID,
	).Scan(&l.ID, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrLinkExists
	}
	if err != nil {
		return fmt.Errorf("insert registration link: %w", err)
	}
	return nil
}

// -- Observations --

func (s *storePG) AppendObservation(ctx context.Context, o *Observation) error {
	if o.UUID == uuid.Nil {
		o.UUID = uuid.New()
	}
	if o.DateCreated.IsZero() {
		o.DateCreated = time.Now().UTC()
	}

	var sourceEvent *string
	if o.SourceEventID != "" {
		sourceEvent = &o.SourceEventID
	}

	tag, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO observation (uuid, person_uuid, concept_id, value_coded_id, obs_datetime, creator_id, date_created, source_event_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source_event_id, concept_id) DO NOTHING`,
		o.UUID, o.PersonUUID, o.ConceptID, o.ValueCodedID, o.ObsDatetime, o.CreatorID, o.DateCreated, sourceEvent,
	)
	if err != nil {
		return fmt.Errorf("insert observation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrObservationExists
	}
	return nil
}
