package objc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-mpsgraph/objc"
)

func TestAvailabilityCheck(t *testing.T) {
	a := objc.Since("13.0", "16.0")

	tests := []struct {
		name     string
		platform objc.Platform
		version  string
		ok       bool
	}{
		{"macOS newer", objc.MacOS, "14.2", true},
		{"macOS exact", objc.MacOS, "13", true},
		{"macOS older", objc.MacOS, "12.6.1", false},
		{"catalyst follows macOS", objc.MacCatalyst, "13.1", true},
		{"iOS older", objc.IOS, "15.7", false},
		{"tvOS follows iOS", objc.TvOS, "17.0", true},
		{"visionOS absent", objc.VisionOS, "2.0", false},
		{"garbage version", objc.MacOS, "not-a-version", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Check("sortWithTensor:axis:name:", tt.platform, tt.version)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, objc.ErrPlatformUnsupported)
			var ue *objc.UnsupportedError
			require.ErrorAs(t, err, &ue)
			assert.Equal(t, tt.platform, ue.Platform)
		})
	}
}

func TestEmptyAvailabilityAllowsEverything(t *testing.T) {
	var a objc.Availability
	assert.NoError(t, a.Check("x", objc.VisionOS, "1.0"))
	assert.Equal(t, "all", a.String())
	assert.Equal(t, "any", a.Introduced(objc.IOS))
}

func TestAvailabilityDescribe(t *testing.T) {
	a := objc.Since("14.0", "")
	assert.Equal(t, "14.0", a.Introduced(objc.MacOS))
	assert.Equal(t, "", a.Introduced(objc.IOS))
	assert.Equal(t, "macCatalyst 14.0, macOS 14.0", a.String())
}

func TestParseVersion(t *testing.T) {
	v, err := objc.ParseVersion("15")
	require.NoError(t, err)
	assert.Equal(t, "15.0.0", v.String())

	v, err = objc.ParseVersion(" 13.5 ")
	require.NoError(t, err)
	assert.Equal(t, int64(5), v.Minor)

	_, err = objc.ParseVersion("")
	assert.Error(t, err)
}
