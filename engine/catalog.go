package engine

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/horadrim/storage/heap"
)

// Field is one (name, type) pair of a type definition, type ∈ {str, int}.
type Field struct {
	Name string
	Type string
}

// TypeDef is a catalog record: an ordered field list plus the redundantly
// stored primary-key name and type, per §3.
type TypeDef struct {
	Name   string
	PKPos  int // 1-based ordinal into Fields
	Fields []Field
	PKName string
	PKType string
}

// encode renders the catalog record's slot body, given the slot number it
// will live in. The format is this repository's own (spec.md does not fix
// catalog record bytes, only that name/pk-position/fields/pk-name/pk-type
// all round-trip): "<slot> <name> <pkPos> <fieldCount> <f1> <t1> ... <pkName> <pkType>".
func (d TypeDef) encode(slot int) string {
	parts := make([]string, 0, 5+2*len(d.Fields))
	parts = append(parts, strconv.Itoa(slot), d.Name, strconv.Itoa(d.PKPos), strconv.Itoa(len(d.Fields)))
	for _, f := range d.Fields {
		parts = append(parts, f.Name, f.Type)
	}
	parts = append(parts, d.PKName, d.PKType)
	return strings.Join(parts, " ")
}

func decodeTypeDef(payload string) (TypeDef, error) {
	tokens := strings.Fields(payload)
	if len(tokens) < 6 {
		return TypeDef{}, errors.Wrapf(ErrMalformed, "catalog record %q", payload)
	}

	name := tokens[1]
	pkPos, err := strconv.Atoi(tokens[2])
	if err != nil {
		return TypeDef{}, errors.Wrapf(ErrMalformed, "catalog record %q", payload)
	}
	fieldCount, err := strconv.Atoi(tokens[3])
	if err != nil {
		return TypeDef{}, errors.Wrapf(ErrMalformed, "catalog record %q", payload)
	}

	idx := 4
	if len(tokens) < idx+2*fieldCount+2 {
		return TypeDef{}, errors.Wrapf(ErrMalformed, "catalog record %q", payload)
	}
	fields := make([]Field, fieldCount)
	for i := 0; i < fieldCount; i++ {
		fields[i] = Field{Name: tokens[idx], Type: tokens[idx+1]}
		idx += 2
	}
	pkName, pkType := tokens[idx], tokens[idx+1]

	return TypeDef{
		Name:   name,
		PKPos:  pkPos,
		Fields: fields,
		PKName: pkName,
		PKType: pkType,
	}, nil
}

// Catalog is the heap family dedicated to type definitions, with its
// single invariant (type names unique) enforced on Create.
type Catalog struct {
	store *heap.Store
}

// NewCatalog wraps store's catalog family.
func NewCatalog(store *heap.Store) *Catalog {
	return &Catalog{store: store}
}

// lookup performs the full catalog scan §4.3 rule 1 requires.
func (c *Catalog) lookup(name string) (TypeDef, heap.Locator, bool, error) {
	records, err := c.store.Scan(heap.FamilyCatalog)
	if err != nil {
		return TypeDef{}, heap.Locator{}, false, err
	}
	for _, r := range records {
		def, err := decodeTypeDef(r.Payload)
		if err != nil {
			return TypeDef{}, heap.Locator{}, false, err
		}
		if def.Name == name {
			return def, r.Locator, true, nil
		}
	}
	return TypeDef{}, heap.Locator{}, false, nil
}

// Get resolves name to its definition, or ErrTypeNotFound.
func (c *Catalog) Get(name string) (TypeDef, error) {
	def, _, found, err := c.lookup(name)
	if err != nil {
		return TypeDef{}, err
	}
	if !found {
		return TypeDef{}, errors.Wrapf(ErrTypeNotFound, "%s", name)
	}
	return def, nil
}

// Create inserts a new catalog record, failing with ErrTypeExists if the
// name is already taken.
func (c *Catalog) Create(def TypeDef) error {
	_, _, found, err := c.lookup(def.Name)
	if err != nil {
		return err
	}
	if found {
		return errors.Wrapf(ErrTypeExists, "%s", def.Name)
	}

	loc, err := c.store.Allocate(heap.FamilyCatalog)
	if err != nil {
		return err
	}
	if err := c.store.WriteSlot(loc, def.encode(loc.Slot)); err != nil {
		// Release the reserved slot so a rejected create leaves no trace.
		if freeErr := c.store.FreeSlot(loc); freeErr != nil {
			return freeErr
		}
		return err
	}
	return nil
}

// Delete removes name's catalog record, failing with ErrTypeNotFound if
// absent.
func (c *Catalog) Delete(name string) error {
	_, loc, found, err := c.lookup(name)
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrapf(ErrTypeNotFound, "%s", name)
	}
	return c.store.FreeSlot(loc)
}

// ListNames returns every type name, ascending lexicographic.
func (c *Catalog) ListNames() ([]string, error) {
	records, err := c.store.Scan(heap.FamilyCatalog)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(records))
	for _, r := range records {
		def, err := decodeTypeDef(r.Payload)
		if err != nil {
			return nil, err
		}
		names = append(names, def.Name)
	}
	sort.Strings(names)
	return names, nil
}
