package vfs

import (
	"time"

	"agentfs/internal/handles"
	"agentfs/internal/tree"
)

// FileType represents the type of a filesystem entry
type FileType int

const (
	// FileTypeRegularFile is a regular file
	FileTypeRegularFile FileType = iota
	// FileTypeDirectory is a directory
	FileTypeDirectory
	// FileTypeSymlink is a symbolic link
	FileTypeSymlink
)

func fileTypeOf(k tree.Kind) FileType {
	switch k {
	case tree.KindDir:
		return FileTypeDirectory
	case tree.KindSymlink:
		return FileTypeSymlink
	default:
		return FileTypeRegularFile
	}
}

// Attributes is the adapter-facing view of a node.
type Attributes struct {
	Ino   uint64
	Type  FileType
	Mode  uint32 // permission bits
	UID   uint32
	GID   uint32
	Nlink uint32
	Size  int64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
	Btime time.Time
	// Streams is the number of named streams.
	Streams int
}

func (a Attributes) IsDir() bool { return a.Type == FileTypeDirectory }

// attributesOf describes n. For a named stream the size is the stream's.
func attributesOf(n *tree.Node, stream string) Attributes {
	a := Attributes{
		Ino:     uint64(n.Ino),
		Type:    fileTypeOf(n.Kind),
		Mode:    n.Attr.Mode,
		UID:     n.Attr.UID,
		GID:     n.Attr.GID,
		Nlink:   n.Attr.Nlink,
		Size:    n.Size(),
		Atime:   n.Attr.Atime,
		Mtime:   n.Attr.Mtime,
		Ctime:   n.Attr.Ctime,
		Btime:   n.Attr.Btime,
		Streams: len(n.Streams),
	}
	if stream != "" {
		st, _ := n.Stream(stream)
		a.Size = st.Size()
	}
	return a
}

// DirEntry is one directory entry returned by ReadDir.
type DirEntry struct {
	Name string
	Ino  uint64
	Type FileType
}

// StreamInfo describes a named stream.
type StreamInfo struct {
	Name string
	Size int64
}

// SetAttr selects the attributes Setattr changes. Nil fields are left alone.
type SetAttr struct {
	Mode  *uint32
	UID   *uint32
	GID   *uint32
	Atime *time.Time
	Mtime *time.Time
	Size  *int64
}

// OpenOptions describes an open.
type OpenOptions struct {
	Read   bool
	Write  bool
	Append bool
	// Delete requests delete access, which participates in share checks.
	Delete bool

	Create    bool
	Exclusive bool // with Create: fail if the name exists
	Truncate  bool
	Directory bool // the target must be a directory

	// Deny lists the accesses other handles may not hold while this one is
	// open. The zero value denies nothing, which is the POSIX behavior.
	Deny handles.Share
	// Stream selects a named stream; "" is the default stream.
	Stream string
	// Mode holds the permission bits of a created file.
	Mode uint32
}

func (o OpenOptions) access() handles.Access {
	var a handles.Access
	if o.Read {
		a |= handles.AccessRead
	}
	if o.Write || o.Append || o.Truncate {
		a |= handles.AccessWrite
	}
	if o.Delete {
		a |= handles.AccessDelete
	}
	if a == 0 {
		a = handles.AccessRead
	}
	return a
}

// Capacity is the statfs-style view of the volume.
type Capacity struct {
	Label      string
	BlockSize  int
	TotalBytes uint64
	FreeBytes  uint64
	// MaxNameLen is the longest accepted entry name.
	MaxNameLen      int
	CaseInsensitive bool
}
