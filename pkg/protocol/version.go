package protocol

import "fmt"

// Version identifies a wire protocol version.
type Version struct {
	Major uint8
	Minor uint8
}

// Current is the protocol version spoken by this implementation.
var Current = Version{Major: 1, Minor: 0}

// String returns the version in "major.minor" form.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// IsCompatible reports whether two versions can interoperate. Only the major
// version must match; minor revisions are additive.
func (v Version) IsCompatible(other Version) bool {
	return v.Major == other.Major
}
