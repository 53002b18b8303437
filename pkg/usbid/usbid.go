package usbid

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// DefaultPaths lists the standard locations for the USB ID database.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// Database caches vendor, product and class names from the USB ID database.
type Database struct {
	vendors  map[uint16]string // VID -> vendor name
	products map[uint32]string // (VID<<16)|PID -> product name
	classes  map[uint32]string // (class<<16)|(sub<<8)|proto -> name, see classKey
	loaded   bool
	mu       sync.RWMutex
	paths    []string
}

// New creates a new USB ID database that searches the default paths.
func New() *Database {
	return NewWithPaths(DefaultPaths)
}

// NewWithPaths creates a new USB ID database that searches the specified paths.
func NewWithPaths(paths []string) *Database {
	return &Database{
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
		classes:  make(map[uint32]string),
		paths:    paths,
	}
}

// Load parses the first USB ID database file found in the search paths.
// Subsequent calls do nothing.
//
// Returns true if a database was loaded (now or earlier), false if no file
// could be found.
func (db *Database) Load() bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.loaded {
		return len(db.vendors) > 0 || len(db.classes) > 0
	}
	db.loaded = true

	for _, path := range db.paths {
		file, err := os.Open(path)
		if err != nil {
			continue
		}
		defer file.Close()
		db.parse(file)
		return true
	}
	return false
}

// Parse merges the database read from r into db and marks it loaded.
func (db *Database) Parse(r io.Reader) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.loaded = true
	return db.parse(r)
}

// classKey packs a class triple. Missing levels use 0xff, which no
// assigned subclass or protocol uses.
func classKey(class, sub, proto uint16) uint32 {
	return uint32(class)<<16 | uint32(sub)<<8 | uint32(proto)
}

const wildcard = 0xff

type section uint8

const (
	sectionNone section = iota
	sectionVendor
	sectionClass
)

func (db *Database) parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)

	var (
		sec      section
		vid      uint16
		class    uint16
		subclass uint16
	)

	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		depth := 0
		for depth < len(line) && line[depth] == '\t' {
			depth++
		}
		body := line[depth:]

		switch {
		case depth == 0 && strings.HasPrefix(body, "C "):
			id, name, ok := field(body[2:], 2)
			if !ok {
				sec = sectionNone
				continue
			}
			sec, class = sectionClass, id
			db.classes[classKey(class, wildcard, wildcard)] = name

		case depth == 0:
			id, name, ok := field(body, 4)
			if !ok {
				// Other top-level lists (HID usages, languages...).
				sec = sectionNone
				continue
			}
			sec, vid = sectionVendor, id
			db.vendors[vid] = name

		case depth == 1 && sec == sectionVendor:
			if pid, name, ok := field(body, 4); ok {
				db.products[uint32(vid)<<16|uint32(pid)] = name
			}

		case depth == 1 && sec == sectionClass:
			if sub, name, ok := field(body, 2); ok {
				subclass = sub
				db.classes[classKey(class, subclass, wildcard)] = name
			}

		case depth == 2 && sec == sectionClass:
			if proto, name, ok := field(body, 2); ok {
				db.classes[classKey(class, subclass, proto)] = name
			}
		}
	}
	return scanner.Err()
}

// field splits "xxxx  Name" where the hex id has exactly width digits.
func field(s string, width int) (uint16, string, bool) {
	if len(s) < width+2 || s[width] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(s[:width], 16, 16)
	if err != nil {
		return 0, "", false
	}
	return uint16(id), strings.TrimLeft(s[width:], " "), true
}

// LookupVendor returns the vendor name for the given VID.
// Returns an empty string if the vendor is not found or if the database
// has not been loaded.
func (db *Database) LookupVendor(vid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.vendors[vid]
}

// LookupProduct returns the product name for the given VID/PID combination.
func (db *Database) LookupProduct(vid, pid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.products[uint32(vid)<<16|uint32(pid)]
}

// LookupClass returns the most specific name known for an interface
// class triple, falling back to the subclass and then the class name.
func (db *Database) LookupClass(class, subclass, protocol uint8) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	c, s, p := uint16(class), uint16(subclass), uint16(protocol)
	for _, key := range []uint32{
		classKey(c, s, p),
		classKey(c, s, wildcard),
		classKey(c, wildcard, wildcard),
	} {
		if name, ok := db.classes[key]; ok {
			return name
		}
	}
	return ""
}

// IsLoaded returns true if the database has been loaded (or load was attempted).
func (db *Database) IsLoaded() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.loaded
}

// VendorCount returns the number of vendors in the database.
func (db *Database) VendorCount() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.vendors)
}

// ProductCount returns the number of products in the database.
func (db *Database) ProductCount() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.products)
}
