// Package engine implements the command dispatcher: parsing, catalog
// lookup, and the coordinated heap/index mutations that keep §3's
// invariants intact across every one of the nine recognized operations.
package engine

import (
	goerrors "errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/horadrim/logging"
	"github.com/zhukovaskychina/horadrim/storage/bptree"
	"github.com/zhukovaskychina/horadrim/storage/heap"
)

// Dispatcher coordinates the catalog, the record heap, and each type's
// primary index for a single command stream. It holds no file handles
// between Dispatch calls.
type Dispatcher struct {
	dir     string
	store   *heap.Store
	catalog *Catalog
	oplog   *OperationLog
	runID   uuid.UUID
}

// NewDispatcher returns a Dispatcher rooted at dir, logging commands to
// logPath and stamping them with clock (nil selects SystemClock).
func NewDispatcher(dir, logPath string, clock Clock) *Dispatcher {
	store := heap.NewStore(dir)
	return &Dispatcher{
		dir:     dir,
		store:   store,
		catalog: NewCatalog(store),
		oplog:   NewOperationLog(logPath, clock),
		runID:   uuid.New(),
	}
}

// Dispatch tokenizes and executes one command line, writing any result
// rows to out and appending one entry to the operation log. A recoverable
// failure (the taxonomy in §7) is logged and returns nil so the caller's
// command loop continues; an I/O failure on a heap or index file is
// returned so the caller can terminate the process, per §7.
func (d *Dispatcher) Dispatch(rawLine string, out io.Writer) error {
	tokens := strings.Fields(rawLine)
	if len(tokens) == 0 {
		return nil
	}

	opErr := d.execute(tokens, out)
	success := opErr == nil

	fields := map[string]interface{}{"run_id": d.runID, "command": rawLine}
	if success {
		logging.Log.WithFields(fields).Debug("engine: command succeeded")
	} else {
		fields["error"] = opErr.Error()
		logging.Log.WithFields(fields).Warn("engine: command failed")
	}

	if logErr := d.oplog.Append(rawLine, success); logErr != nil {
		return logErr
	}
	if opErr != nil && isFatal(opErr) {
		return opErr
	}
	return nil
}

// isFatal reports whether err ultimately wraps a filesystem error, the
// only class of failure §7 requires to be fatal to the process.
func isFatal(err error) bool {
	var pathErr *os.PathError
	return goerrors.As(err, &pathErr)
}

func (d *Dispatcher) execute(tokens []string, out io.Writer) error {
	switch tokens[0] {
	case "create":
		if len(tokens) < 2 {
			return errors.Wrap(ErrMalformed, "create")
		}
		switch tokens[1] {
		case "type":
			return d.createType(tokens[2:])
		case "record":
			return d.createRecord(tokens[2:])
		}
	case "delete":
		if len(tokens) < 2 {
			return errors.Wrap(ErrMalformed, "delete")
		}
		switch tokens[1] {
		case "type":
			return d.deleteType(tokens[2:])
		case "record":
			return d.deleteRecord(tokens[2:])
		}
	case "list":
		if len(tokens) < 2 {
			return errors.Wrap(ErrMalformed, "list")
		}
		switch tokens[1] {
		case "type":
			return d.listType(out)
		case "record":
			return d.listRecord(tokens[2:], out)
		}
	case "update":
		return d.updateRecord(tokens[1:])
	case "search":
		return d.search(tokens[1:], out)
	case "filter":
		return d.filter(tokens[1:], out)
	}
	return errors.Wrapf(ErrMalformed, "%q", strings.Join(tokens, " "))
}

func (d *Dispatcher) createType(args []string) error {
	if len(args) < 3 {
		return errors.Wrap(ErrMalformed, "create type")
	}
	name := args[0]
	fieldCount, err := strconv.Atoi(args[1])
	if err != nil {
		return errors.Wrap(ErrMalformed, "create type: field count")
	}
	pkPos, err := strconv.Atoi(args[2])
	if err != nil {
		return errors.Wrap(ErrMalformed, "create type: primary key position")
	}
	rest := args[3:]
	if len(rest) != fieldCount*2 || pkPos < 1 || pkPos > fieldCount {
		return errors.Wrap(ErrMalformed, "create type: field list")
	}

	fields := make([]Field, fieldCount)
	for i := 0; i < fieldCount; i++ {
		fields[i] = Field{Name: rest[2*i], Type: rest[2*i+1]}
	}
	pk := fields[pkPos-1]
	def := TypeDef{Name: name, PKPos: pkPos, Fields: fields, PKName: pk.Name, PKType: pk.Type}

	if err := d.catalog.Create(def); err != nil {
		return err
	}
	if err := bptree.NewIndex(d.dir, name).Create(); err != nil {
		return err
	}
	logging.Log.WithField("type", name).Info("engine: created type")
	return nil
}

func (d *Dispatcher) deleteType(args []string) error {
	if len(args) != 1 {
		return errors.Wrap(ErrMalformed, "delete type")
	}
	name := args[0]

	def, err := d.catalog.Get(name)
	if err != nil {
		return err
	}

	idx := bptree.NewIndex(d.dir, name)
	tree, err := idx.Load(bptree.KeyType(def.PKType))
	if err != nil {
		return err
	}
	for _, key := range tree.SortedKeys() {
		values, _ := tree.Retrieve(key)
		for _, v := range values {
			loc, err := heap.ParseLocator(v)
			if err != nil {
				return err
			}
			if err := d.store.FreeSlot(loc); err != nil {
				return err
			}
		}
	}
	if err := idx.Remove(); err != nil {
		return err
	}
	if err := d.catalog.Delete(name); err != nil {
		return err
	}
	logging.Log.WithField("type", name).Info("engine: deleted type")
	return nil
}

func (d *Dispatcher) listType(out io.Writer) error {
	names, err := d.catalog.ListNames()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return errors.Wrap(ErrEmptyResult, "list type")
	}
	for _, n := range names {
		fmt.Fprintf(out, "%s\n", n)
	}
	return nil
}

func (d *Dispatcher) createRecord(args []string) error {
	if len(args) < 1 {
		return errors.Wrap(ErrMalformed, "create record")
	}
	name, values := args[0], args[1:]

	def, err := d.catalog.Get(name)
	if err != nil {
		return err
	}
	if len(values) != len(def.Fields) {
		return errors.Wrap(ErrMalformed, "create record: field count")
	}
	pk := values[def.PKPos-1]

	idx := bptree.NewIndex(d.dir, name)
	tree, err := idx.Load(bptree.KeyType(def.PKType))
	if err != nil {
		return err
	}
	if _, found := tree.Retrieve(pk); found {
		return errors.Wrapf(ErrKeyExists, "%s %s", name, pk)
	}

	loc, err := d.store.Allocate(heap.FamilyRecord)
	if err != nil {
		return err
	}
	if err := d.store.WriteSlot(loc, recordPayload(loc.Slot, name, values)); err != nil {
		// Release the reserved slot so a rejected create leaves no trace.
		if freeErr := d.store.FreeSlot(loc); freeErr != nil {
			return freeErr
		}
		return err
	}
	if err := idx.Append(pk, loc); err != nil {
		return err
	}
	logging.Log.WithFields(map[string]interface{}{"type": name, "key": pk}).Debug("engine: created record")
	return nil
}

func (d *Dispatcher) deleteRecord(args []string) error {
	if len(args) != 2 {
		return errors.Wrap(ErrMalformed, "delete record")
	}
	name, key := args[0], args[1]

	def, err := d.catalog.Get(name)
	if err != nil {
		return err
	}
	idx := bptree.NewIndex(d.dir, name)
	tree, err := idx.Load(bptree.KeyType(def.PKType))
	if err != nil {
		return err
	}
	values, found := tree.Retrieve(key)
	if !found {
		return errors.Wrapf(ErrKeyNotFound, "%s %s", name, key)
	}
	loc, err := heap.ParseLocator(values[0])
	if err != nil {
		return err
	}
	if err := d.store.FreeSlot(loc); err != nil {
		return err
	}
	return idx.RewriteWithout(key)
}

func (d *Dispatcher) updateRecord(args []string) error {
	if len(args) < 2 {
		return errors.Wrap(ErrMalformed, "update")
	}
	name, key, values := args[0], args[1], args[2:]

	def, err := d.catalog.Get(name)
	if err != nil {
		return err
	}
	if len(values) != len(def.Fields) {
		return errors.Wrap(ErrMalformed, "update: field count")
	}
	idx := bptree.NewIndex(d.dir, name)
	tree, err := idx.Load(bptree.KeyType(def.PKType))
	if err != nil {
		return err
	}
	locs, found := tree.Retrieve(key)
	if !found {
		return errors.Wrapf(ErrKeyNotFound, "%s %s", name, key)
	}
	loc, err := heap.ParseLocator(locs[0])
	if err != nil {
		return err
	}
	return d.store.WriteSlot(loc, recordPayload(loc.Slot, name, values))
}

func (d *Dispatcher) search(args []string, out io.Writer) error {
	if len(args) != 2 {
		return errors.Wrap(ErrMalformed, "search")
	}
	name, key := args[0], args[1]

	def, err := d.catalog.Get(name)
	if err != nil {
		return err
	}
	idx := bptree.NewIndex(d.dir, name)
	tree, err := idx.Load(bptree.KeyType(def.PKType))
	if err != nil {
		return err
	}
	locs, found := tree.Retrieve(key)
	if !found {
		return errors.Wrapf(ErrKeyNotFound, "%s %s", name, key)
	}
	loc, err := heap.ParseLocator(locs[0])
	if err != nil {
		return err
	}
	payload, err := d.store.ReadSlot(loc)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\n", strings.Join(recordFields(payload), " "))
	return nil
}

func (d *Dispatcher) listRecord(args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.Wrap(ErrMalformed, "list record")
	}
	name := args[0]

	def, err := d.catalog.Get(name)
	if err != nil {
		return err
	}
	idx := bptree.NewIndex(d.dir, name)
	tree, err := idx.Load(bptree.KeyType(def.PKType))
	if err != nil {
		return err
	}
	keys := tree.SortedKeys()
	if len(keys) == 0 {
		return errors.Wrapf(ErrEmptyResult, "list record %s", name)
	}
	return d.emitRecords(tree, keys, out)
}

func (d *Dispatcher) filter(args []string, out io.Writer) error {
	if len(args) != 2 {
		return errors.Wrap(ErrMalformed, "filter")
	}
	name, cond := args[0], args[1]

	def, err := d.catalog.Get(name)
	if err != nil {
		return err
	}
	idx := bptree.NewIndex(d.dir, name)
	tree, err := idx.Load(bptree.KeyType(def.PKType))
	if err != nil {
		return err
	}
	keys, err := tree.Match(cond)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return errors.Wrapf(ErrEmptyResult, "filter %s %s", name, cond)
	}
	return d.emitRecords(tree, keys, out)
}

// emitRecords resolves each key to its record and writes the field-only
// line for it, in the order keys is given.
func (d *Dispatcher) emitRecords(tree *bptree.Tree, keys []string, out io.Writer) error {
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		locs, _ := tree.Retrieve(k)
		loc, err := heap.ParseLocator(locs[0])
		if err != nil {
			return err
		}
		payload, err := d.store.ReadSlot(loc)
		if err != nil {
			return err
		}
		lines = append(lines, strings.Join(recordFields(payload), " "))
	}
	for _, l := range lines {
		fmt.Fprintf(out, "%s\n", l)
	}
	return nil
}

// recordPayload builds "<slot> <type> <v1> ... <vF>", per §4.3 rule 3.
func recordPayload(slot int, typeName string, values []string) string {
	parts := make([]string, 0, 2+len(values))
	parts = append(parts, strconv.Itoa(slot), typeName)
	parts = append(parts, values...)
	return strings.Join(parts, " ")
}

// recordFields strips the slot-number and type-name tokens, per §4.3
// rule 6.
func recordFields(payload string) []string {
	tokens := strings.Fields(payload)
	if len(tokens) <= 2 {
		return nil
	}
	return tokens[2:]
}
