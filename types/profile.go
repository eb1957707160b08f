package types

import "fmt"

// Profile identifies one of the two engine installations a plan runs against.
// Runs of the same profile are mutually exclusive; runs of different profiles
// are independent of each other.
type Profile string

const (
	ProfileLoad   Profile = "load"
	ProfileUpdate Profile = "update"
)

// Profiles lists all known profiles in a stable order.
var Profiles = []Profile{ProfileLoad, ProfileUpdate}

// ParseProfile converts a string into a Profile.
func ParseProfile(s string) (Profile, error) {
	switch Profile(s) {
	case ProfileLoad:
		return ProfileLoad, nil
	case ProfileUpdate:
		return ProfileUpdate, nil
	default:
		return "", fmt.Errorf("unknown profile %q (must be one of: %s, %s)", s, ProfileLoad, ProfileUpdate)
	}
}

// Valid reports whether p is a known profile.
func (p Profile) Valid() bool {
	_, err := ParseProfile(string(p))
	return err == nil
}

func (p Profile) String() string {
	return string(p)
}
