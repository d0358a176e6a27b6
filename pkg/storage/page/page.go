// Package page defines the on-disk page layout shared by the file
// manager, buffer pool and B+ tree: one fixed 4096-byte page holding
// either the file header, an internal node, or a leaf node.
package page

import "encoding/binary"

const (
	// Size is the fixed page size in bytes, matching the original
	// disk_manager's PAGE_SIZE.
	Size = 4096

	// HeaderSize is the reserved header region at the front of every
	// page: file header fields, or node parent/type/count/sibling
	// fields, whichever the page represents.
	HeaderSize = 128

	// RecordValueSize is the fixed opaque value payload carried by
	// every leaf record.
	RecordValueSize = 120

	// RecordSize is key(8) + value(120).
	RecordSize = 8 + RecordValueSize

	// EntrySize is key(8) + child page number(8) for internal nodes.
	EntrySize = 16

	// Invalid is the sentinel page number meaning "no page": used for
	// free-list termination, absent parent, absent sibling.
	Invalid uint64 = 0

	// LeafOrder is the maximum number of records a leaf page holds
	// before it must split.
	LeafOrder = (Size - HeaderSize) / RecordSize

	// InternalOrder is the maximum number of (key, child) entries an
	// internal page holds, plus the one extra leftmost child pointer,
	// before it must split.
	InternalOrder = (Size-HeaderSize-8)/EntrySize + 1
)

// ID is a page number within a single table file. Page 0 is always
// the file header.
type ID = uint64

// Raw is one page's worth of bytes, read or written as a unit by the
// file manager and cached as a unit by the buffer pool.
type Raw [Size]byte

// Record is a fixed-size (key, value) pair stored in a leaf page.
type Record struct {
	Key   uint64
	Value [RecordValueSize]byte
}

// Entry is a (key, child page) pair stored in an internal page; every
// key reachable through Child is >= Key.
type Entry struct {
	Key   uint64
	Child ID
}

// FileHeader is the layout of page 0: free-list head, root page
// number, and page count, matching disk_manager.cpp's FileHeader.
type FileHeader struct {
	FreePageNumber   ID
	RootPageNumber   ID
	NumberOfPages    uint64
}

func (h *FileHeader) Encode(dst *Raw) {
	binary.LittleEndian.PutUint64(dst[0:8], h.FreePageNumber)
	binary.LittleEndian.PutUint64(dst[8:16], h.RootPageNumber)
	binary.LittleEndian.PutUint64(dst[16:24], h.NumberOfPages)
}

func (h *FileHeader) Decode(src *Raw) {
	h.FreePageNumber = binary.LittleEndian.Uint64(src[0:8])
	h.RootPageNumber = binary.LittleEndian.Uint64(src[8:16])
	h.NumberOfPages = binary.LittleEndian.Uint64(src[16:24])
}

// FreeHeader is the layout of a page sitting on the free list: the
// first 8 bytes thread to the next free page, per the classic
// free-list-through-freed-pages scheme.
type FreeHeader struct {
	NextFreePage ID
}

func (h *FreeHeader) Encode(dst *Raw) {
	binary.LittleEndian.PutUint64(dst[0:8], h.NextFreePage)
}

func (h *FreeHeader) Decode(src *Raw) {
	h.NextFreePage = binary.LittleEndian.Uint64(src[0:8])
}

// NodeHeader is the layout shared by internal and leaf node pages.
type NodeHeader struct {
	ParentPage  ID
	IsLeaf      bool
	NumKeys     uint32
	RightSibling ID // leaf-only; Invalid for internal pages
}

const (
	offParent  = 0
	offIsLeaf  = 8
	offNumKeys = 12
	offSibling = 16
)

func (h *NodeHeader) Encode(dst *Raw) {
	binary.LittleEndian.PutUint64(dst[offParent:offParent+8], h.ParentPage)
	if h.IsLeaf {
		dst[offIsLeaf] = 1
	} else {
		dst[offIsLeaf] = 0
	}
	binary.LittleEndian.PutUint32(dst[offNumKeys:offNumKeys+4], h.NumKeys)
	binary.LittleEndian.PutUint64(dst[offSibling:offSibling+8], h.RightSibling)
}

func (h *NodeHeader) Decode(src *Raw) {
	h.ParentPage = binary.LittleEndian.Uint64(src[offParent : offParent+8])
	h.IsLeaf = src[offIsLeaf] != 0
	h.NumKeys = binary.LittleEndian.Uint32(src[offNumKeys : offNumKeys+4])
	h.RightSibling = binary.LittleEndian.Uint64(src[offSibling : offSibling+8])
}

// Node is a decoded internal or leaf page body, used as the working
// representation the B+ tree operates on between Load/Store calls
// through the buffer pool.
type Node struct {
	NodeHeader
	Records []Record // populated when IsLeaf
	Entries []Entry  // populated when !IsLeaf; Entries[0].Key is unused, Entries[0].Child is the leftmost child
}

// Load decodes a raw page into a Node.
func Load(raw *Raw) *Node {
	n := &Node{}
	n.NodeHeader.Decode(raw)
	body := raw[HeaderSize:]
	if n.IsLeaf {
		n.Records = make([]Record, 0, n.NumKeys)
		for i := uint32(0); i < n.NumKeys; i++ {
			off := int(i) * RecordSize
			var r Record
			r.Key = binary.LittleEndian.Uint64(body[off : off+8])
			copy(r.Value[:], body[off+8:off+RecordSize])
			n.Records = append(n.Records, r)
		}
		return n
	}
	n.Entries = make([]Entry, 0, n.NumKeys+1)
	// leftmost child pointer lives right after the header, unkeyed.
	leftmost := binary.LittleEndian.Uint64(body[0:8])
	n.Entries = append(n.Entries, Entry{Child: leftmost})
	for i := uint32(0); i < n.NumKeys; i++ {
		off := 8 + int(i)*EntrySize
		var e Entry
		e.Key = binary.LittleEndian.Uint64(body[off : off+8])
		e.Child = binary.LittleEndian.Uint64(body[off+8 : off+16])
		n.Entries = append(n.Entries, e)
	}
	return n
}

// Store encodes a Node back into a raw page, overwriting it in place.
func Store(n *Node, raw *Raw) {
	for i := range raw {
		raw[i] = 0
	}
	n.NodeHeader.Encode(raw)
	body := raw[HeaderSize:]
	if n.IsLeaf {
		for i, r := range n.Records {
			off := i * RecordSize
			binary.LittleEndian.PutUint64(body[off:off+8], r.Key)
			copy(body[off+8:off+RecordSize], r.Value[:])
		}
		return
	}
	if len(n.Entries) > 0 {
		binary.LittleEndian.PutUint64(body[0:8], n.Entries[0].Child)
	}
	for i := 1; i < len(n.Entries); i++ {
		e := n.Entries[i]
		off := 8 + (i-1)*EntrySize
		binary.LittleEndian.PutUint64(body[off:off+8], e.Key)
		binary.LittleEndian.PutUint64(body[off+8:off+16], e.Child)
	}
}

// SyncCount keeps NodeHeader.NumKeys in sync with the slice
// lengths; callers mutate Records/Entries directly then call this
// before Store.
func (n *Node) SyncCount() {
	if n.IsLeaf {
		n.NumKeys = uint32(len(n.Records))
		return
	}
	if len(n.Entries) == 0 {
		n.NumKeys = 0
		return
	}
	n.NumKeys = uint32(len(n.Entries) - 1)
}
