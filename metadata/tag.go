package metadata

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mlgit-go/mlgit/mlgerr"
)

// Tag is the immutable name of one committed version:
// "<cat1>__<cat2>__...__<name>__<version>", every category, the name and
// the version joined by "__".
type Tag struct {
	Categories []string
	Name       string
	Version    int
	raw        string
}

// String renders the tag in its canonical form.
func (t Tag) String() string {
	if t.raw != "" {
		return t.raw
	}
	return fmt.Sprintf("%s__%s__%d", strings.Join(t.Categories, "__"), t.Name, t.Version)
}

// SynthesizeTag builds the tag for a freshly committed spec (spec §4.5).
func SynthesizeTag(s *Spec) Tag {
	return Tag{Categories: s.Categories, Name: s.Name, Version: s.Version}
}

// ParseTag decodes "cat1__cat2__name__version" back into its components,
// the inverse of String: the last two "__"-separated fields are the name
// and version, and every field before them is one category (categories
// themselves never contain "__", spec §3 invariant).
func ParseTag(raw string) (Tag, error) {
	parts := strings.Split(raw, "__")
	if len(parts) < 3 {
		return Tag{}, mlgerr.New(mlgerr.KindConfig, "metadata.ParseTag", raw,
			fmt.Errorf("malformed tag, expected at least categories__name__version"))
	}
	version, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return Tag{}, mlgerr.New(mlgerr.KindConfig, "metadata.ParseTag", raw, fmt.Errorf("non-integer version: %w", err))
	}
	name := parts[len(parts)-2]
	categories := parts[:len(parts)-2]
	return Tag{Categories: categories, Name: name, Version: version, raw: raw}, nil
}

// categoryPath renders Categories the way a spec file would (slash-joined),
// used only to report candidates in MultipleEntitiesSameName errors.
func (t Tag) categoryPath() string {
	return strings.Join(t.Categories, "/")
}

// TargetTagError reports why _get_target_tag could not resolve uniquely.
type TargetTagError struct {
	Kind       mlgerr.Kind
	EntityName string
	Version    int
	Candidates []string // distinct category paths, for MultipleEntitiesSameName
	LatestTag  string   // populated for VersionNotFound
}

func (e *TargetTagError) Error() string {
	switch e.Kind {
	case mlgerr.KindNotFound:
		if len(e.Candidates) > 0 {
			return fmt.Sprintf("entity %q exists under multiple categories: %v", e.EntityName, e.Candidates)
		}
		if e.LatestTag != "" {
			return fmt.Sprintf("entity %q has no version %d, latest is %s", e.EntityName, e.Version, e.LatestTag)
		}
		return fmt.Sprintf("entity %q not found", e.EntityName)
	default:
		return fmt.Sprintf("entity %q: tag resolution error", e.EntityName)
	}
}

// GetTargetTag implements _get_target_tag (spec §4.6): filter tags whose
// name equals entityName, then resolve by version (-1 means "latest").
func GetTargetTag(tags []Tag, entityName string, version int) (Tag, error) {
	var matching []Tag
	for _, t := range tags {
		if t.Name == entityName {
			matching = append(matching, t)
		}
	}
	if len(matching) == 0 {
		return Tag{}, &TargetTagError{Kind: mlgerr.KindNotFound, EntityName: entityName, Version: version}
	}

	if version == -1 {
		// A name shared across distinct category paths names distinct
		// entities; "latest" is only meaningful once the entity is
		// unambiguous, so plurality of category paths is checked before
		// version, not as a tiebreak on the max version alone.
		seenPaths := map[string]struct{}{}
		for _, t := range matching {
			seenPaths[t.categoryPath()] = struct{}{}
		}
		if len(seenPaths) > 1 {
			candidates := make([]string, 0, len(seenPaths))
			for p := range seenPaths {
				candidates = append(candidates, p)
			}
			sort.Strings(candidates)
			return Tag{}, &TargetTagError{
				Kind:       mlgerr.KindNotFound,
				EntityName: entityName,
				Version:    version,
				Candidates: candidates,
			}
		}
		latest := matching[0]
		for _, t := range matching {
			if t.Version > latest.Version {
				latest = t
			}
		}
		return latest, nil
	}

	latest := matching[0]
	for _, t := range matching {
		if t.Version == version {
			return t, nil
		}
		if t.Version > latest.Version {
			latest = t
		}
	}
	return Tag{}, &TargetTagError{
		Kind:       mlgerr.KindNotFound,
		EntityName: entityName,
		Version:    version,
		LatestTag:  latest.String(),
	}
}
