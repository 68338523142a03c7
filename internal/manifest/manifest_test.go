package manifest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locomote-sh/content-server/internal/config"
)

func TestResolveRefsSubstitutesSource(t *testing.T) {
	doc := `{
		"branches": {
			"public": {"theme": "light"},
			"staging": {"theme": "dark"}
		},
		"active": {"$ref": "#/branches/{SOURCE}"}
	}`

	resolved, err := resolveRefs([]byte(doc), "staging")
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(resolved, &out))
	active := out["active"].(map[string]any)
	assert.Equal(t, "dark", active["theme"])
}

func TestResolveRefsRejectsCycles(t *testing.T) {
	doc := `{"a": {"$ref": "#/b"}, "b": {"$ref": "#/a"}}`
	_, err := resolveRefs([]byte(doc), "master")
	assert.Error(t, err)
}

func TestResolveRefsMissingTarget(t *testing.T) {
	doc := `{"a": {"$ref": "#/nope"}}`
	_, err := resolveRefs([]byte(doc), "master")
	assert.Error(t, err)
}

func TestDecodeStringOrList(t *testing.T) {
	got, err := decodeStringOrList(json.RawMessage(`"public"`))
	require.NoError(t, err)
	assert.Equal(t, []string{"public"}, got)

	got, err = decodeStringOrList(json.RawMessage(`["public","staging"]`))
	require.NoError(t, err)
	assert.Equal(t, []string{"public", "staging"}, got)

	got, err = decodeStringOrList(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = decodeStringOrList(json.RawMessage(`42`))
	assert.Error(t, err)
}

func TestProfileResolution(t *testing.T) {
	profiles := map[string]config.BuildProfile{
		"site": {Buildable: []string{"master"}, Command: "make"},
	}

	m := &Manifest{Build: &Build{ProfileID: "site"}}
	p, err := m.Profile(profiles)
	require.NoError(t, err)
	assert.Equal(t, []string{"master"}, p.Buildable)

	m = &Manifest{Build: &Build{ProfileID: "unknown"}}
	_, err = m.Profile(profiles)
	assert.Error(t, err)

	inline := &config.BuildProfile{Buildable: []string{"dev"}, Command: "sh"}
	m = &Manifest{Build: &Build{Inline: inline}}
	p, err = m.Profile(profiles)
	require.NoError(t, err)
	assert.Equal(t, inline, p)

	m = &Manifest{}
	p, err = m.Profile(profiles)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestDefaultManifest(t *testing.T) {
	m := Default()
	assert.Equal(t, []string{"public"}, m.Public)
	assert.Nil(t, m.Build)
	assert.False(t, m.Indexed)
}
