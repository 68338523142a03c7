// Package manifest loads and caches the per-repo locomote.json manifest.
// The manifest always lives on the master branch; per-branch variation is
// expressed through $ref substitution with the SOURCE variable bound to
// the branch being resolved.
package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/locomote-sh/content-server/internal/config"
	"github.com/locomote-sh/content-server/internal/errs"
	"github.com/locomote-sh/content-server/internal/vcs"
)

// FileName is the manifest file tracked in each content repo.
const FileName = "locomote.json"

// MasterBranch is where the manifest is read from.
const MasterBranch = "master"

// Manifest is the resolved form of locomote.json for one branch.
type Manifest struct {
	// Public lists the branches served to clients. First entry is the
	// default branch for requests that do not name one.
	Public []string
	// Build selects how the repo is built, by profile id or inline.
	Build *Build
	// Auth is the raw per-repo auth block, merged over the global
	// defaults by the ACM layer.
	Auth json.RawMessage
	// Indexed enables full-text indexing for the repo.
	Indexed bool
	// Fingerprint is the short hash of the last commit that modified the
	// manifest on master; it changes whenever the manifest does.
	Fingerprint string
}

// Build is the manifest's build selection.
type Build struct {
	// ProfileID names a profile from the server configuration. Empty
	// when the profile is inline.
	ProfileID string
	// Inline is a profile embedded in the manifest.
	Inline *config.BuildProfile
}

// Buildable resolves the branches this manifest allows building, looking
// profile ids up in profiles.
func (m *Manifest) Buildable(profiles map[string]config.BuildProfile) []string {
	p, err := m.Profile(profiles)
	if err != nil || p == nil {
		return nil
	}
	return p.Buildable
}

// Profile resolves the active build profile. A nil return with nil error
// means the repo has no build configured.
func (m *Manifest) Profile(profiles map[string]config.BuildProfile) (*config.BuildProfile, error) {
	if m.Build == nil {
		return nil, nil
	}
	if m.Build.Inline != nil {
		return m.Build.Inline, nil
	}
	p, ok := profiles[m.Build.ProfileID]
	if !ok {
		return nil, fmt.Errorf("build profile %q: %w", m.Build.ProfileID, errs.ErrUpstreamInvalid)
	}
	return &p, nil
}

// Default returns the manifest used when a repo carries no locomote.json.
func Default() *Manifest {
	return &Manifest{Public: []string{"public"}}
}

// rawManifest matches the JSON shape after $ref resolution. public and
// build.profile both accept two shapes, so they decode loosely.
type rawManifest struct {
	Public  json.RawMessage `json:"public"`
	Build   *rawBuild       `json:"build"`
	Auth    json.RawMessage `json:"auth"`
	Indexed bool            `json:"indexed"`
}

type rawBuild struct {
	Profile json.RawMessage `json:"profile"`
}

// Load reads and resolves the manifest of repoPath for branch. A repo
// without a manifest yields Default().
func Load(repoPath, branch string) (*Manifest, error) {
	head, err := vcs.HeadCommit(repoPath, MasterBranch)
	if err != nil {
		return nil, err
	}
	if head == nil {
		// No master branch at all: nothing is published.
		return Default(), nil
	}

	data, err := vcs.ReadFileAtCommit(repoPath, head.ID, FileName)
	if err != nil {
		if errs.NotFound(err) {
			return Default(), nil
		}
		return nil, err
	}

	resolved, err := resolveRefs(data, branch)
	if err != nil {
		return nil, fmt.Errorf("resolve manifest refs: %w", err)
	}

	var raw rawManifest
	if err := json.Unmarshal(resolved, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", FileName, err)
	}

	m := &Manifest{Auth: raw.Auth, Indexed: raw.Indexed}

	if m.Public, err = decodeStringOrList(raw.Public); err != nil {
		return nil, fmt.Errorf("manifest public: %w", err)
	}
	if len(m.Public) == 0 {
		m.Public = []string{"public"}
	}

	if raw.Build != nil && len(raw.Build.Profile) > 0 {
		m.Build = &Build{}
		var id string
		if err := json.Unmarshal(raw.Build.Profile, &id); err == nil {
			m.Build.ProfileID = id
		} else {
			var inline config.BuildProfile
			if err := json.Unmarshal(raw.Build.Profile, &inline); err != nil {
				return nil, fmt.Errorf("manifest build profile: %w", err)
			}
			m.Build.Inline = &inline
		}
	}

	last, err := vcs.LastCommitForFile(repoPath, MasterBranch, FileName)
	if err != nil {
		return nil, err
	}
	if last != nil {
		m.Fingerprint = last.Short
	} else {
		m.Fingerprint = head.Short
	}
	return m, nil
}

func decodeStringOrList(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("expected string or list: %w", err)
	}
	return list, nil
}

// refDepthLimit bounds $ref chains; manifests are small and legitimate
// chains are shallow.
const refDepthLimit = 8

// resolveRefs substitutes every {"$ref":"#/path"} object with the
// referenced subtree of the same document. Path segments may contain the
// SOURCE variable, written {SOURCE}, which is bound to the branch.
func resolveRefs(data []byte, branch string) ([]byte, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	resolved, err := resolveNode(doc, doc, branch, 0)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resolved)
}

func resolveNode(root, node any, branch string, depth int) (any, error) {
	if depth > refDepthLimit {
		return nil, fmt.Errorf("$ref nesting exceeds %d levels", refDepthLimit)
	}
	switch v := node.(type) {
	case map[string]any:
		if ref, ok := refTarget(v); ok {
			target, err := lookupRef(root, ref, branch)
			if err != nil {
				return nil, err
			}
			return resolveNode(root, target, branch, depth+1)
		}
		out := make(map[string]any, len(v))
		for k, child := range v {
			r, err := resolveNode(root, child, branch, depth)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			r, err := resolveNode(root, child, branch, depth)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return node, nil
	}
}

func refTarget(m map[string]any) (string, bool) {
	if len(m) != 1 {
		return "", false
	}
	ref, ok := m["$ref"].(string)
	return ref, ok
}

func lookupRef(root any, ref, branch string) (any, error) {
	frag := ref
	if i := strings.Index(ref, "#"); i >= 0 {
		frag = ref[i+1:]
	}
	frag = strings.ReplaceAll(frag, "{SOURCE}", branch)

	node := root
	for _, seg := range strings.Split(frag, "/") {
		if seg == "" {
			continue
		}
		m, ok := node.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("$ref %q: segment %q is not an object", ref, seg)
		}
		node, ok = m[seg]
		if !ok {
			return nil, fmt.Errorf("$ref %q: missing segment %q", ref, seg)
		}
	}
	return node, nil
}
