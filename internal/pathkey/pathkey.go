/* mtpusb - host-side MTP/PTP stack over USB
 *
 * Path sanitization: turns a device-reported object name into the
 * canonical path_key the Live Index stores, with no ".." component,
 * no NUL byte, and no reserved device name.
 */

// Package pathkey implements the canonical, sanitized path_key the
// Live Index's Object rows key their parent/child relationship by.
package pathkey

import "strings"

// reserved names a path component may never collide with case-
// insensitively, mirroring the classic Windows device-name set; MTP
// devices frequently re-export a FAT/exFAT filesystem where these
// names are still meaningful.
var reserved = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true,
	"com5": true, "com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true,
	"lpt5": true, "lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

// Join builds the sanitized path_key of a child given its parent's
// already-sanitized path_key ("" for a storage root) and the child's
// raw, device-reported name.
func Join(parentKey, name string) string {
	clean := sanitizeComponent(name)
	if parentKey == "" {
		return clean
	}
	return parentKey + "/" + clean
}

// Sanitize normalizes a full, slash-separated path the same way Join
// normalizes one component at a time: every component is cleaned
// independently, "." and ".." components are dropped, and the result
// is idempotent (Sanitize(Sanitize(p)) == Sanitize(p)).
func Sanitize(p string) string {
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "", ".", "..":
			continue
		}
		out = append(out, sanitizeComponent(part))
	}
	return strings.Join(out, "/")
}

func sanitizeComponent(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case 0:
			return -1
		case '/', '\\':
			// A separator inside one component would fake a hierarchy
			// level in the joined key.
			return '_'
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	name = strings.Trim(name, ".")

	// Collapse dot runs inside the component too: trimming the edges
	// alone would let an embedded ".." survive in the stored key.
	for strings.Contains(name, "..") {
		name = strings.ReplaceAll(name, "..", ".")
	}

	if name == "" {
		name = "_"
	}

	if reserved[strings.ToLower(name)] {
		name = "_" + name
	}

	return name
}
