package hashcache

import (
	"strings"
)

// MemberSeparator separates an archive path from a member name in the
// textual form of a Path, e.g. "libs/dep.jar!com/example/A.class".
const MemberSeparator = "!"

// Path identifies a file, a directory, or a member inside an archive.
// Name is relative to the cache root and uses forward slashes once
// normalised. Member is empty unless the path names an archive member.
type Path struct {
	Name   string
	Member string
}

// FilePath returns a Path for a file or directory.
func FilePath(name string) Path {
	return Path{Name: name}
}

// MemberPath returns a Path for a member inside the archive at name.
func MemberPath(archive, member string) Path {
	return Path{Name: archive, Member: member}
}

// ParsePath parses the textual form produced by Path.String.
func ParsePath(s string) Path {
	name, member, ok := strings.Cut(s, MemberSeparator)
	if !ok {
		return Path{Name: s}
	}
	return Path{Name: name, Member: member}
}

// IsArchiveMember reports whether p names a member inside an archive.
func (p Path) IsArchiveMember() bool {
	return p.Member != ""
}

// String returns "name" or "name!member".
func (p Path) String() string {
	if p.Member == "" {
		return p.Name
	}
	return p.Name + MemberSeparator + p.Member
}

// within reports whether p is prefix itself or lies beneath it, comparing
// whole path segments. Members of an archive lie beneath the archive.
func (p Path) within(prefix string) bool {
	if prefix == "." {
		return true
	}
	if p.Name == prefix {
		return true
	}
	return strings.HasPrefix(p.Name, prefix) && p.Name[len(prefix)] == '/'
}
