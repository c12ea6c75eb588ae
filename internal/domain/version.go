package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is the two-component major.minor document revision counter.
type Version struct {
	Major int
	Minor int
}

// InitialVersion is assigned to every newly created draft.
var InitialVersion = Version{Major: 0, Minor: 1}

// ParseVersion parses a "major.minor" string.
func ParseVersion(raw string) (Version, error) {
	raw = strings.TrimSpace(raw)
	majorRaw, minorRaw, ok := strings.Cut(raw, ".")
	if !ok {
		return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, raw)
	}
	major, err := strconv.Atoi(majorRaw)
	if err != nil || major < 0 {
		return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, raw)
	}
	minor, err := strconv.Atoi(minorRaw)
	if err != nil || minor < 0 {
		return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, raw)
	}
	return Version{Major: major, Minor: minor}, nil
}

// String renders the canonical "major.minor" form.
func (v Version) String() string {
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
}

// NextMajor returns the version an approval moves to. The minor component
// is always dropped, so 0.1 -> 1.0 and 3.7 -> 4.0.
func (v Version) NextMajor() Version {
	return Version{Major: v.Major + 1, Minor: 0}
}

// Less reports whether v sorts strictly before other.
func (v Version) Less(other Version) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	return v.Minor < other.Minor
}

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := ParseVersion(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
