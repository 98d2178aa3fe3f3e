package vfs

import "strings"

// mount is one entry in the mount table: a filesystem grafted onto a path
// in the global namespace. Mounts are kept in a flat slice and matched by
// longest-prefix, the same approach original_source/filesystem/vfs.c uses
// its linked list for.
type mount struct {
	path string // always cleaned, always starts with "/", never ends with "/" unless it is "/"
	fs   FileSystem
}

// splitPath turns "/mnt/usb/dir/file" into ["mnt", "usb", "dir", "file"],
// dropping empty components so repeated slashes and a leading/trailing
// slash are harmless.
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func cleanPath(path string) string {
	parts := splitPath(path)
	if len(parts) == 0 {
		return "/"
	}
	return "/" + strings.Join(parts, "/")
}

// findMount returns the mount whose path is the longest prefix of path,
// and the path components remaining below that mount point.
func (v *VFS) findMount(path string) (*mount, []string) {
	parts := splitPath(path)
	var best *mount
	bestLen := -1
	for i := range v.mounts {
		m := &v.mounts[i]
		mparts := splitPath(m.path)
		if len(mparts) > len(parts) {
			continue
		}
		match := true
		for i, p := range mparts {
			if p != parts[i] {
				match = false
				break
			}
		}
		if match && len(mparts) > bestLen {
			best = m
			bestLen = len(mparts)
		}
	}
	if best == nil {
		return nil, parts
	}
	return best, parts[bestLen:]
}
