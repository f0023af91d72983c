package registry

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// IdentifierType maps to the identifier_type table.
type IdentifierType struct {
	ID   int64     `db:"id" json:"id"`
	UUID uuid.UUID `db:"uuid" json:"uuid"`
	Name string    `db:"name" json:"name"`
}

// Location maps to the location table. IDs are the facility codes clients
// put in the encounter section, so they are kept as text.
type Location struct {
	ID   string    `db:"id" json:"id"`
	UUID uuid.UUID `db:"uuid" json:"uuid"`
	Name string    `db:"name" json:"name"`
}

// Operator maps to the operator table; the user that records data.
type Operator struct {
	ID       int64     `db:"id" json:"id"`
	UUID     uuid.UUID `db:"uuid" json:"uuid"`
	Username string    `db:"username" json:"username"`
}

// AttributeType maps to the attribute_type table.
type AttributeType struct {
	ID   int64     `db:"id" json:"id"`
	UUID uuid.UUID `db:"uuid" json:"uuid"`
	Name string    `db:"name" json:"name"`
}

// Concept maps to the concept table. Coded observation questions and
// answers are both concepts.
type Concept struct {
	ID   int       `db:"id" json:"id"`
	UUID uuid.UUID `db:"uuid" json:"uuid"`
	Name string    `db:"name" json:"name"`
}

type PersonName struct {
	Given  string `json:"given"`
	Middle string `json:"middle,omitempty"`
	Family string `json:"family"`
}

// Full joins the non-empty name parts with single spaces.
func (n PersonName) Full() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{n.Given, n.Middle, n.Family} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

type Identifier struct {
	Type      *IdentifierType `json:"type"`
	Value     string          `json:"value"`
	Preferred bool            `json:"preferred"`
	Location  *Location       `json:"location,omitempty"`
}

// Address holds the structured address fields a registration can carry.
type Address struct {
	Address1       string `db:"address1" json:"address1,omitempty"`
	Address2       string `db:"address2" json:"address2,omitempty"`
	Address4       string `db:"address4" json:"address4,omitempty"`
	Address5       string `db:"address5" json:"address5,omitempty"`
	Address6       string `db:"address6" json:"address6,omitempty"`
	CityVillage    string `db:"city_village" json:"city_village,omitempty"`
	StateProvince  string `db:"state_province" json:"state_province,omitempty"`
	CountyDistrict string `db:"county_district" json:"county_district,omitempty"`
}

func (a Address) IsEmpty() bool {
	return a == Address{}
}

type Attribute struct {
	Type  *AttributeType `json:"type"`
	Value string         `json:"value"`
}

// PersonDraft is an unsaved person assembled from a registration payload.
type PersonDraft struct {
	Name               *PersonName  `json:"name,omitempty"`
	BirthDate          *time.Time   `json:"birth_date,omitempty"`
	BirthDateEstimated bool         `json:"birth_date_estimated"`
	Sex                string       `json:"sex"`
	Identifiers        []Identifier `json:"identifiers"`
	Addresses          []Address    `json:"addresses,omitempty"`
	Attributes         []Attribute  `json:"attributes,omitempty"`
	Creator            *Operator    `json:"creator,omitempty"`
}

func (d *PersonDraft) HasName() bool {
	return d.Name != nil && d.Name.Full() != ""
}

// PreferredIdentifier returns the identifier marked preferred, or nil.
func (d *PersonDraft) PreferredIdentifier() *Identifier {
	for i := range d.Identifiers {
		if d.Identifiers[i].Preferred {
			return &d.Identifiers[i]
		}
	}
	return nil
}

// SetAttribute replaces any attribute of the same type.
func (d *PersonDraft) SetAttribute(a Attribute) {
	for i := range d.Attributes {
		if d.Attributes[i].Type.ID == a.Type.ID {
			d.Attributes[i] = a
			return
		}
	}
	d.Attributes = append(d.Attributes, a)
}

// Clone returns a copy whose slices can be changed independently.
func (d PersonDraft) Clone() PersonDraft {
	c := d
	c.Identifiers = append([]Identifier(nil), d.Identifiers...)
	c.Addresses = append([]Address(nil), d.Addresses...)
	c.Attributes = append([]Attribute(nil), d.Attributes...)
	if d.Name != nil {
		n := *d.Name
		c.Name = &n
	}
	return c
}

// Person is a canonical registry record.
type Person struct {
	UUID               uuid.UUID    `json:"uuid"`
	Name               *PersonName  `json:"name,omitempty"`
	BirthDate          *time.Time   `json:"birth_date,omitempty"`
	BirthDateEstimated bool         `json:"birth_date_estimated"`
	Sex                string       `json:"sex"`
	Identifiers        []Identifier `json:"identifiers"`
	Addresses          []Address    `json:"addresses,omitempty"`
	Attributes         []Attribute  `json:"attributes,omitempty"`
	CreatorID          int64        `json:"creator_id"`
	CreatedAt          time.Time    `json:"created_at"`
}

func (p *Person) PreferredIdentifier() *Identifier {
	for i := range p.Identifiers {
		if p.Identifiers[i].Preferred {
			return &p.Identifiers[i]
		}
	}
	return nil
}

// RegistrationLink ties a client temporary id to the person created for it.
type RegistrationLink struct {
	ID           int64     `db:"id" json:"id"`
	TemporaryID  string    `db:"temporary_id" json:"temporary_id"`
	AssignedUUID uuid.UUID `db:"assigned_uuid" json:"assigned_uuid"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Observation maps to the observation table. SourceEventID with ConceptID
// is unique so a replayed event cannot append the same answer twice.
type Observation struct {
	UUID          uuid.UUID `db:"uuid" json:"uuid"`
	PersonUUID    uuid.UUID `db:"person_uuid" json:"person_uuid"`
	ConceptID     int       `db:"concept_id" json:"concept_id"`
	ValueCodedID  int       `db:"value_coded_id" json:"value_coded_id"`
	ObsDatetime   time.Time `db:"obs_datetime" json:"obs_datetime"`
	CreatorID     int64     `db:"creator_id" json:"creator_id"`
	DateCreated   time.Time `db:"date_created" json:"date_created"`
	SourceEventID string    `db:"source_event_id" json:"source_event_id,omitempty"`
}
