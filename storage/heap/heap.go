// Package heap implements the fixed-size, slotted-page heap file format
// described for horadrim's two record families: type definitions
// ("types…") and user records ("records…"). Every exported operation opens
// the files it touches, reads or writes, flushes, and closes before
// returning — no file handle is ever held across two calls, so a crash
// between commands can only ever be caught between whole heap operations.
package heap

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/horadrim/logging"
)

// Layout constants, bit-exact per the on-disk format.
const (
	PagesPerFile = 3
	SlotsPerPage = 10
	SlotWidth    = 240
	HeaderWidth  = 89
)

// slotStride is the on-disk width of one slot including its terminator.
const slotStride = SlotWidth + 1

// headerStride is the on-disk width of one page header including its
// terminator.
const headerStride = HeaderWidth + 1

// pageStride is the on-disk width of one whole page (header plus slots).
const pageStride = headerStride + SlotsPerPage*slotStride

// Family distinguishes the two heap file namespaces by filename prefix.
type Family string

const (
	FamilyCatalog Family = "types"
	FamilyRecord  Family = "records"
)

// Sentinel errors. Callers compare with errors.Is/errors.Cause rather than
// matching strings.
var (
	ErrCorruptHeader = errors.New("heap: corrupt page header")
	ErrCorruptSlot   = errors.New("heap: corrupt slot body")
	ErrBadLocator    = errors.New("heap: malformed locator")
	ErrSlotNotLive   = errors.New("heap: slot is not live")
	ErrPayloadTooBig = errors.New("heap: payload exceeds slot width")
	ErrHeaderTooBig  = errors.New("heap: header content exceeds header width")
)

// Locator is the opaque physical address of one record: a heap file name,
// a 1-based page number, and a 1-based slot number.
type Locator struct {
	File string
	Page int
	Slot int
}

func (l Locator) String() string {
	return fmt.Sprintf("%s:%d:%d", l.File, l.Page, l.Slot)
}

// ParseLocator parses the "file:page:slot" form written into index files.
func ParseLocator(s string) (Locator, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Locator{}, errors.Wrapf(ErrBadLocator, "%q", s)
	}
	page, err := strconv.Atoi(parts[1])
	if err != nil {
		return Locator{}, errors.Wrapf(ErrBadLocator, "%q", s)
	}
	slot, err := strconv.Atoi(parts[2])
	if err != nil {
		return Locator{}, errors.Wrapf(ErrBadLocator, "%q", s)
	}
	return Locator{File: parts[0], Page: page, Slot: slot}, nil
}

// Record pairs a live slot's locator with its trimmed payload, as yielded
// by Scan.
type Record struct {
	Locator Locator
	Payload string
}

// Store is a directory of heap files for both families.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir. dir must already exist.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(file string) string {
	return filepath.Join(s.dir, file)
}

// listFiles returns every existing file of the given family, ascending by
// its dense numeric suffix.
func (s *Store) listFiles(family Family) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "heap: list files")
	}

	prefix := string(family)
	type indexed struct {
		name string
		idx  int
	}
	var found []indexed
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		suffix := name[len(prefix):]
		idx, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		found = append(found, indexed{name, idx})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].idx < found[j].idx })

	names := make([]string, len(found))
	for i, f := range found {
		names[i] = f.name
	}
	return names, nil
}

// lowestUnusedIndex finds the smallest positive dense index not already
// used by an existing file of the family.
func (s *Store) lowestUnusedIndex(family Family) (int, error) {
	files, err := s.listFiles(family)
	if err != nil {
		return 0, err
	}
	used := make(map[int]bool, len(files))
	prefix := string(family)
	for _, f := range files {
		idx, err := strconv.Atoi(f[len(prefix):])
		if err == nil {
			used[idx] = true
		}
	}
	for i := 1; ; i++ {
		if !used[i] {
			return i, nil
		}
	}
}

// header is the parsed form of a page's header line.
type header struct {
	PageNum int
	Empty   []int // strictly ascending
	Records int
}

func newEmptyHeader(pageNum int) header {
	empty := make([]int, SlotsPerPage)
	for i := range empty {
		empty[i] = i + 1
	}
	return header{PageNum: pageNum, Empty: empty, Records: 0}
}

func (h header) encode() (string, error) {
	parts := make([]string, len(h.Empty))
	for i, s := range h.Empty {
		parts[i] = strconv.Itoa(s)
	}
	content := fmt.Sprintf("PAGE:%d,Empty:%s,Records:%d", h.PageNum, strings.Join(parts, "-"), h.Records)
	if len(content) > HeaderWidth {
		return "", errors.Wrapf(ErrHeaderTooBig, "page %d", h.PageNum)
	}
	return content + strings.Repeat(" ", HeaderWidth-len(content)), nil
}

func decodeHeader(raw string) (header, error) {
	raw = strings.TrimRight(raw, " ")
	rest := strings.TrimPrefix(raw, "PAGE:")
	if rest == raw {
		return header{}, ErrCorruptHeader
	}
	commaEmpty := strings.Index(rest, ",Empty:")
	if commaEmpty < 0 {
		return header{}, ErrCorruptHeader
	}
	pageNum, err := strconv.Atoi(rest[:commaEmpty])
	if err != nil {
		return header{}, errors.Wrap(ErrCorruptHeader, "page number")
	}
	rest = rest[commaEmpty+len(",Empty:"):]
	recordsIdx := strings.Index(rest, ",Records:")
	if recordsIdx < 0 {
		return header{}, ErrCorruptHeader
	}
	emptyField := rest[:recordsIdx]
	records, err := strconv.Atoi(rest[recordsIdx+len(",Records:"):])
	if err != nil {
		return header{}, errors.Wrap(ErrCorruptHeader, "records count")
	}

	var empty []int
	if emptyField != "" {
		for _, tok := range strings.Split(emptyField, "-") {
			n, err := strconv.Atoi(tok)
			if err != nil {
				return header{}, errors.Wrap(ErrCorruptHeader, "empty list")
			}
			empty = append(empty, n)
		}
	}

	return header{PageNum: pageNum, Empty: empty, Records: records}, nil
}

// pageOffset returns the byte offset of page (1-based) within its file.
func pageOffset(page int) int64 {
	return int64(page-1) * pageStride
}

func slotOffset(page, slot int) int64 {
	return pageOffset(page) + headerStride + int64(slot-1)*slotStride
}

func (s *Store) readHeader(f *os.File, page int) (header, error) {
	buf := make([]byte, HeaderWidth)
	if _, err := f.ReadAt(buf, pageOffset(page)); err != nil {
		return header{}, errors.Wrap(err, "heap: read header")
	}
	return decodeHeader(string(buf))
}

func (s *Store) writeHeader(f *os.File, h header) error {
	encoded, err := h.encode()
	if err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(encoded+"\n"), pageOffset(h.PageNum)); err != nil {
		return errors.Wrap(err, "heap: write header")
	}
	return nil
}

func (s *Store) readSlotRaw(f *os.File, page, slot int) (string, error) {
	buf := make([]byte, SlotWidth)
	if _, err := f.ReadAt(buf, slotOffset(page, slot)); err != nil {
		return "", errors.Wrap(err, "heap: read slot")
	}
	return string(buf), nil
}

func (s *Store) writeSlotRaw(f *os.File, page, slot int, body string) error {
	if len(body) > SlotWidth {
		return errors.Wrapf(ErrPayloadTooBig, "slot %d:%d", page, slot)
	}
	padded := body + strings.Repeat(" ", SlotWidth-len(body))
	if _, err := f.WriteAt([]byte(padded+"\n"), slotOffset(page, slot)); err != nil {
		return errors.Wrap(err, "heap: write slot")
	}
	return nil
}

// createFile creates a brand-new heap file for family at the lowest unused
// dense index, with PagesPerFile empty pages, and returns its name.
func (s *Store) createFile(family Family) (string, error) {
	idx, err := s.lowestUnusedIndex(family)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s%d", family, idx)

	f, err := os.OpenFile(s.path(name), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return "", errors.Wrap(err, "heap: create file")
	}
	defer f.Close()

	for page := 1; page <= PagesPerFile; page++ {
		if err := s.writeHeader(f, newEmptyHeader(page)); err != nil {
			return "", err
		}
		for slot := 1; slot <= SlotsPerPage; slot++ {
			if err := s.writeSlotRaw(f, page, slot, ""); err != nil {
				return "", err
			}
		}
	}
	logging.Log.WithFields(logrusFields("family", family, "file", name)).Info("heap: created file")
	return name, nil
}

// Allocate reserves a slot for family, returning its locator. The caller
// must WriteSlot into it within the same command: allocation marks the
// slot live but leaves its body blank.
func (s *Store) Allocate(family Family) (Locator, error) {
	files, err := s.listFiles(family)
	if err != nil {
		return Locator{}, err
	}

	for _, name := range files {
		f, err := os.OpenFile(s.path(name), os.O_RDWR, 0644)
		if err != nil {
			return Locator{}, errors.Wrap(err, "heap: open file")
		}
		loc, ok, err := s.allocateInFile(f, name)
		f.Close()
		if err != nil {
			return Locator{}, err
		}
		if ok {
			return loc, nil
		}
	}

	name, err := s.createFile(family)
	if err != nil {
		return Locator{}, err
	}
	f, err := os.OpenFile(s.path(name), os.O_RDWR, 0644)
	if err != nil {
		return Locator{}, errors.Wrap(err, "heap: open file")
	}
	defer f.Close()
	loc, ok, err := s.allocateInFile(f, name)
	if err != nil {
		return Locator{}, err
	}
	if !ok {
		return Locator{}, errors.New("heap: freshly created file has no free slot")
	}
	return loc, nil
}

func (s *Store) allocateInFile(f *os.File, name string) (Locator, bool, error) {
	for page := 1; page <= PagesPerFile; page++ {
		h, err := s.readHeader(f, page)
		if err != nil {
			return Locator{}, false, err
		}
		if h.Records >= SlotsPerPage {
			continue
		}
		slot := h.Empty[0]
		h.Empty = h.Empty[1:]
		h.Records++
		if err := s.writeHeader(f, h); err != nil {
			return Locator{}, false, err
		}
		return Locator{File: name, Page: page, Slot: slot}, true, nil
	}
	return Locator{}, false, nil
}

// WriteSlot fills a previously allocated (or still-live) slot. payload's
// first whitespace-separated token must be the decimal slot number.
func (s *Store) WriteSlot(loc Locator, payload string) error {
	expectedTag := strconv.Itoa(loc.Slot) + " "
	if !strings.HasPrefix(payload, expectedTag) && payload != strconv.Itoa(loc.Slot) {
		return errors.Errorf("heap: payload %q missing slot tag %d", payload, loc.Slot)
	}

	f, err := os.OpenFile(s.path(loc.File), os.O_RDWR, 0644)
	if err != nil {
		return errors.Wrap(err, "heap: open file")
	}
	defer f.Close()

	return s.writeSlotRaw(f, loc.Page, loc.Slot, payload)
}

// ReadSlot returns the slot's trimmed payload, or "" if it is free.
func (s *Store) ReadSlot(loc Locator) (string, error) {
	f, err := os.Open(s.path(loc.File))
	if err != nil {
		return "", errors.Wrap(err, "heap: open file")
	}
	defer f.Close()

	raw, err := s.readSlotRaw(f, loc.Page, loc.Slot)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(raw, " "), nil
}

// FreeSlot releases a live slot back to its page's free list, blanking its
// body. If this empties the owning file completely, the file is removed.
func (s *Store) FreeSlot(loc Locator) error {
	f, err := os.OpenFile(s.path(loc.File), os.O_RDWR, 0644)
	if err != nil {
		return errors.Wrap(err, "heap: open file")
	}

	h, err := s.readHeader(f, loc.Page)
	if err != nil {
		f.Close()
		return err
	}

	pos := sort.SearchInts(h.Empty, loc.Slot)
	if pos < len(h.Empty) && h.Empty[pos] == loc.Slot {
		f.Close()
		return errors.Wrapf(ErrSlotNotLive, "%s", loc)
	}
	newEmpty := make([]int, 0, len(h.Empty)+1)
	newEmpty = append(newEmpty, h.Empty[:pos]...)
	newEmpty = append(newEmpty, loc.Slot)
	newEmpty = append(newEmpty, h.Empty[pos:]...)
	h.Empty = newEmpty
	h.Records--

	if err := s.writeHeader(f, h); err != nil {
		f.Close()
		return err
	}
	if err := s.writeSlotRaw(f, loc.Page, loc.Slot, ""); err != nil {
		f.Close()
		return err
	}

	fileEmpty, err := s.fileIsEmpty(f)
	f.Close()
	if err != nil {
		return err
	}
	if fileEmpty {
		if err := os.Remove(s.path(loc.File)); err != nil {
			return errors.Wrap(err, "heap: remove empty file")
		}
		logging.Log.WithFields(logrusFields("file", loc.File)).Info("heap: removed empty file")
	}
	return nil
}

func (s *Store) fileIsEmpty(f *os.File) (bool, error) {
	for page := 1; page <= PagesPerFile; page++ {
		h, err := s.readHeader(f, page)
		if err != nil {
			return false, err
		}
		if h.Records > 0 {
			return false, nil
		}
	}
	return true, nil
}

// Scan yields every live slot of family in file/page/slot order.
func (s *Store) Scan(family Family) ([]Record, error) {
	files, err := s.listFiles(family)
	if err != nil {
		return nil, err
	}

	var out []Record
	for _, name := range files {
		f, err := os.Open(s.path(name))
		if err != nil {
			return nil, errors.Wrap(err, "heap: open file")
		}
		err = func() error {
			defer f.Close()
			for page := 1; page <= PagesPerFile; page++ {
				h, err := s.readHeader(f, page)
				if err != nil {
					return err
				}
				free := make(map[int]bool, len(h.Empty))
				for _, emptySlot := range h.Empty {
					free[emptySlot] = true
				}
				for slot := 1; slot <= SlotsPerPage; slot++ {
					if free[slot] {
						continue
					}
					raw, err := s.readSlotRaw(f, page, slot)
					if err != nil {
						return err
					}
					out = append(out, Record{
						Locator: Locator{File: name, Page: page, Slot: slot},
						Payload: strings.TrimRight(raw, " "),
					})
				}
			}
			return nil
		}()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func logrusFields(kv ...interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		fields[key] = kv[i+1]
	}
	return fields
}
