package config

import "fmt"

// CurrentVersion is the latest supported configuration file version.
const CurrentVersion = 1

// VersionError describes a configuration version mismatch.
type VersionError struct {
	Version int
	Current int
	Reason  string
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == reasonNewer {
		return fmt.Sprintf("config version %d is newer than this build (current: %d). upgrade sqlagent to continue", e.Version, e.Current)
	}
	return fmt.Sprintf("config version %d is %s (current: %d). see `sqlagent config schema` for the current format", e.Version, e.Reason, e.Current)
}

const (
	reasonInvalid = "invalid"
	reasonNewer   = "newer than this build"
)

// ValidateVersion ensures the provided config version is supported. A
// missing version is defaulted to CurrentVersion before validation.
func ValidateVersion(version int) error {
	if version <= 0 {
		return &VersionError{Version: version, Current: CurrentVersion, Reason: reasonInvalid}
	}
	if version > CurrentVersion {
		return &VersionError{Version: version, Current: CurrentVersion, Reason: reasonNewer}
	}
	return nil
}
