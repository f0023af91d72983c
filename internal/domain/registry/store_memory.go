package registry

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Registry for local runs and tests. InTx keeps
// an undo journal in the context, so a failed transaction reverts exactly the
// writes it made and leaves concurrent writers alone.
type MemoryStore struct {
	mu sync.RWMutex

	identifierTypes []*IdentifierType
	attributeTypes  []*AttributeType
	locations       map[string]*Location
	operators       map[string]*Operator
	concepts        map[int]*Concept

	persons      map[uuid.UUID]*Person
	personOrder  []uuid.UUID
	links        map[string]*RegistrationLink
	observations []*Observation
	obsKeys      map[string]bool
	nextID       int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locations: make(map[string]*Location),
		operators: make(map[string]*Operator),
		concepts:  make(map[int]*Concept),
		persons:   make(map[uuid.UUID]*Person),
		links:     make(map[string]*RegistrationLink),
		obsKeys:   make(map[string]bool),
	}
}

// -- Seeding --

func (m *MemoryStore) AddIdentifierType(t *IdentifierType) *IdentifierType {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == 0 {
		m.nextID++
		t.ID = m.nextID
	}
	m.identifierTypes = append(m.identifierTypes, t)
	return t
}

func (m *MemoryStore) AddAttributeType(t *AttributeType) *AttributeType {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == 0 {
		m.nextID++
		t.ID = m.nextID
	}
	m.attributeTypes = append(m.attributeTypes, t)
	return t
}

func (m *MemoryStore) AddLocation(l *Location) *Location {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[l.ID] = l
	return l
}

func (m *MemoryStore) AddOperator(o *Operator) *Operator {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == 0 {
		m.nextID++
		o.ID = m.nextID
	}
	m.operators[o.Username] = o
	return o
}

func (m *MemoryStore) AddConcept(c *Concept) *Concept {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.concepts[c.ID] = c
	return c
}

// AddPerson stores an already canonical person, e.g. a prior registration.
func (m *MemoryStore) AddPerson(p *Person) *Person {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.UUID == uuid.Nil {
		p.UUID = uuid.New()
	}
	m.persons[p.UUID] = p
	m.personOrder = append(m.personOrder, p.UUID)
	return p
}

// -- Inspection --

func (m *MemoryStore) Persons() []*Person {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Person, 0, len(m.personOrder))
	for _, id := range m.personOrder {
		out = append(out, m.persons[id])
	}
	return out
}

func (m *MemoryStore) Links() []*RegistrationLink {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*RegistrationLink, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) Observations() []*Observation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Observation(nil), m.observations...)
}

// -- Transactions --

type memTxKey struct{}

type memTx struct {
	mu   sync.Mutex
	undo []func()
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return fn(ctx)
	}

	tx := &memTx{}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		m.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// journal records how to revert a write. Must be called with m.mu held.
func journal(ctx context.Context, undo func()) {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	if !ok {
		return
	}
	tx.mu.Lock()
	tx.undo = append(tx.undo, undo)
	tx.mu.Unlock()
}

// -- Registry --

func (m *MemoryStore) IdentifierTypeByUUID(ctx context.Context, id uuid.UUID) (*IdentifierType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.identifierTypes {
		if t.UUID == id {
			return t, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) IdentifierTypeByName(ctx context.Context, name string) (*IdentifierType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.identifierTypes {
		if strings.EqualFold(t.Name, name) {
			return t, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) AttributeTypeByUUID(ctx context.Context, id uuid.UUID) (*AttributeType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.attributeTypes {
		if t.UUID == id {
			return t, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) AttributeTypeByName(ctx context.Context, name string) (*AttributeType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.attributeTypes {
		if strings.EqualFold(t.Name, name) {
			return t, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) LocationByID(ctx context.Context, id string) (*Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if l, ok := m.locations[id]; ok {
		return l, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) OperatorByUsername(ctx context.Context, username string) (*Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.operators[username]; ok {
		return o, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ConceptByID(ctx context.Context, id int) (*Concept, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.concepts[id]; ok {
		return c, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) SearchPersonsByName(ctx context.Context, name string, limit int) ([]*Person, error) {
	stems := nameStems(name)
	if len(stems) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	type hit struct {
		p *Person
		n int
	}
	var hits []hit
	for _, id := range m.personOrder {
		p := m.persons[id]
		if p.Name == nil {
			continue
		}
		if n := stemHits(stems, strings.Fields(strings.ToLower(p.Name.Full()))); n > 0 {
			hits = append(hits, hit{p, n})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].n > hits[j].n })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	out := make([]*Person, len(hits))
	for i, h := range hits {
		out[i] = h.p
	}
	return out, nil
}

// stemHits counts the stems that start at least one of parts.
func stemHits(stems, parts []string) int {
	n := 0
	for _, stem := range stems {
		for _, part := range parts {
			if strings.HasPrefix(part, stem) {
				n++
				break
			}
		}
	}
	return n
}

func (m *MemoryStore) SearchPersonsByIdentifier(ctx context.Context, value string, limit int) ([]*Person, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Person
	for _, id := range m.personOrder {
		p := m.persons[id]
		for _, ident := range p.Identifiers {
			if ident.Value == value {
				out = append(out, p)
				break
			}
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) PersonByUUID(ctx context.Context, id uuid.UUID) (*Person, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.persons[id]; ok {
		return p, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) CreatePerson(ctx context.Context, d *PersonDraft) (*Person, error) {
	if len(d.Identifiers) == 0 {
		return nil, errNoIdentifier
	}
	if d.Creator == nil {
		return nil, errNoCreator
	}
	c := d.Clone()
	p := &Person{
		UUID:               uuid.New(),
		Name:               c.Name,
		BirthDate:          c.BirthDate,
		BirthDateEstimated: c.BirthDateEstimated,
		Sex:                c.Sex,
		Identifiers:        c.Identifiers,
		Addresses:          c.Addresses,
		Attributes:         c.Attributes,
		CreatorID:          c.Creator.ID,
		CreatedAt:          time.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.persons[p.UUID] = p
	m.personOrder = append(m.personOrder, p.UUID)
	journal(ctx, func() {
		delete(m.persons, p.UUID)
		m.personOrder = removeUUID(m.personOrder, p.UUID)
	})
	return p, nil
}

func removeUUID(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func (m *MemoryStore) RegistrationLinkByTemporaryID(ctx context.Context, temporaryID string) (*RegistrationLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if l, ok := m.links[temporaryID]; ok {
		cp := *l
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) CreateRegistrationLink(ctx context.Context, l *RegistrationLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.links[l.TemporaryID]; ok {
		return ErrLinkExists
	}
	m.nextID++
	l.ID = m.nextID
	l.CreatedAt = time.Now().UTC()
	cp := *l
	m.links[l.TemporaryID] = &cp
	journal(ctx, func() { delete(m.links, l.TemporaryID) })
	return nil
}

func (m *MemoryStore) AppendObservation(ctx context.Context, o *Observation) error {
	if o.UUID == uuid.Nil {
		o.UUID = uuid.New()
	}
	if o.DateCreated.IsZero() {
		o.DateCreated = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := ""
	if o.SourceEventID != "" {
		key = o.SourceEventID + "/" + strconv.Itoa(o.ConceptID)
		if m.obsKeys[key] {
			return ErrObservationExists
		}
		m.obsKeys[key] = true
	}
	cp := *o
	m.observations = append(m.observations, &cp)
	journal(ctx, func() {
		for i, existing := range m.observations {
			if existing == &cp {
				m.observations = append(m.observations[:i], m.observations[i+1:]...)
				break
			}
		}
		if key != "" {
			delete(m.obsKeys, key)
		}
	})
	return nil
}
