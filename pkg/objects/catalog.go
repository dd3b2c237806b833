package objects

import (
	"sort"
	"strings"

	"github.com/derekparker/trie"
)

// Catalog is a snapshot of the object table. It is immutable once built
// and goes stale as soon as the target creates or destroys objects.
type Catalog struct {
	objects []*Object
	byAddr  map[uint64]*Object
	names   *trie.Trie
}

type trieEntry struct {
	objects []*Object
}

// NewCatalog returns a catalog of objs, which must be in table order.
func NewCatalog(objs []*Object) *Catalog {
	c := &Catalog{
		objects: objs,
		byAddr:  make(map[uint64]*Object, len(objs)),
		names:   trie.New(),
	}
	for _, obj := range objs {
		if _, dup := c.byAddr[obj.Addr]; !dup {
			c.byAddr[obj.Addr] = obj
		}
		if obj.Name == "" {
			continue
		}
		if n, ok := c.names.Find(obj.Name); ok {
			e := n.Meta().(*trieEntry)
			e.objects = append(e.objects, obj)
			continue
		}
		c.names.Add(obj.Name, &trieEntry{objects: []*Object{obj}})
	}
	return c
}

// Objects returns the objects of the catalog in table order.
func (c *Catalog) Objects() []*Object {
	return c.objects
}

// Len returns the number of objects in the catalog.
func (c *Catalog) Len() int {
	return len(c.objects)
}

// FindByName returns the first object, in table order, whose qualified
// name is name. If class is not empty the object's class name must also be
// class, objects without a resolved class never match a class filter.
func (c *Catalog) FindByName(name, class string) *Object {
	n, ok := c.names.Find(name)
	if !ok {
		return nil
	}
	for _, obj := range n.Meta().(*trieEntry).objects {
		if class == "" || obj.Class == class {
			return obj
		}
	}
	return nil
}

// FindByAddress returns the object at addr.
func (c *Catalog) FindByAddress(addr uint64) *Object {
	return c.byAddr[addr]
}

// FindByPrefix returns every object whose qualified name starts with
// prefix, in table order.
func (c *Catalog) FindByPrefix(prefix string) []*Object {
	var r []*Object
	for _, key := range c.names.PrefixSearch(prefix) {
		n, ok := c.names.Find(key)
		if !ok {
			continue
		}
		r = append(r, n.Meta().(*trieEntry).objects...)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Index < r[j].Index })
	return r
}

// Query selects a singleton object: the first object whose class name
// equals Class and whose qualified name contains every string in Contains.
type Query struct {
	Class    string
	Contains []string
}

// Match reports whether obj satisfies q.
func (q Query) Match(obj *Object) bool {
	if obj.Class != q.Class {
		return false
	}
	for _, s := range q.Contains {
		if !strings.Contains(obj.Name, s) {
			return false
		}
	}
	return true
}

// Find returns the first object, in table order, matching q. When several
// objects match, for example while the target is between two levels, the
// first one is not necessarily the live instance.
func (c *Catalog) Find(q Query) *Object {
	for _, obj := range c.objects {
		if q.Match(obj) {
			return obj
		}
	}
	return nil
}

// MustFind is like Find but returns a *NameResolutionFailure when nothing
// matches.
func (c *Catalog) MustFind(q Query) (*Object, error) {
	if obj := c.Find(q); obj != nil {
		return obj, nil
	}
	return nil, &NameResolutionFailure{Name: q.Class, Reason: "no matching instance in catalog"}
}

// MustFindByName is like FindByName but returns a *NameResolutionFailure
// when the object is not in the catalog.
func (c *Catalog) MustFindByName(name, class string) (*Object, error) {
	if obj := c.FindByName(name, class); obj != nil {
		return obj, nil
	}
	return nil, &NameResolutionFailure{Name: name, Reason: "not in catalog"}
}
