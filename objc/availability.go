package objc

import (
	"sort"
	"strings"

	"github.com/coreos/go-semver/semver"
)

// Platform names an Apple operating system family.
type Platform string

const (
	MacOS       Platform = "macOS"
	IOS         Platform = "iOS"
	TvOS        Platform = "tvOS"
	VisionOS    Platform = "visionOS"
	MacCatalyst Platform = "macCatalyst"
)

// Availability maps each platform to the OS version an entry point was
// introduced in. A nil or empty map means available everywhere; otherwise a
// platform missing from the map does not have the entry point at all.
type Availability map[Platform]string

// Since is a convenience for the common macOS/iOS pair.
func Since(macOS, iOS string) Availability {
	a := Availability{}
	if macOS != "" {
		a[MacOS] = macOS
		a[MacCatalyst] = macOS
	}
	if iOS != "" {
		a[IOS] = iOS
		a[TvOS] = iOS
	}
	return a
}

// Check returns *UnsupportedError if the entry point named selector is not
// available on platform at version.
func (a Availability) Check(selector string, platform Platform, version string) error {
	if len(a) == 0 {
		return nil
	}
	need, ok := a[platform]
	if !ok {
		return &UnsupportedError{Selector: selector, Platform: platform, Have: version}
	}
	have, err := ParseVersion(version)
	if err != nil {
		return &UnsupportedError{Selector: selector, Platform: platform, Have: version, Need: need}
	}
	want, err := ParseVersion(need)
	if err != nil {
		return err
	}
	if have.LessThan(*want) {
		return &UnsupportedError{Selector: selector, Platform: platform, Have: version, Need: need}
	}
	return nil
}

// Introduced returns the version for platform, or "" if unavailable.
func (a Availability) Introduced(platform Platform) string {
	if len(a) == 0 {
		return "any"
	}
	return a[platform]
}

func (a Availability) String() string {
	if len(a) == 0 {
		return "all"
	}
	parts := make([]string, 0, len(a))
	for p, v := range a {
		parts = append(parts, string(p)+" "+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

// ParseVersion accepts OS versions with one to three components ("15",
// "14.2", "13.5.1") and normalises them to semver.
func ParseVersion(v string) (*semver.Version, error) {
	v = strings.TrimSpace(v)
	switch strings.Count(v, ".") {
	case 0:
		v += ".0.0"
	case 1:
		v += ".0"
	}
	return semver.NewVersion(v)
}
