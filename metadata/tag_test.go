package metadata

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustParseTags(t *testing.T, raw ...string) []Tag {
	t.Helper()
	tags := make([]Tag, 0, len(raw))
	for _, r := range raw {
		tag, err := ParseTag(r)
		require.NoError(t, err)
		tags = append(tags, tag)
	}
	return tags
}

func TestGetTargetTag_MultipleEntitiesSameName(t *testing.T) {
	tags := mustParseTags(t, "vc__img__ds__1", "vc__img__ds__2", "vc__vid__ds__1")

	_, err := GetTargetTag(tags, "ds", -1)
	require.Error(t, err)
	var tte *TargetTagError
	require.True(t, errors.As(err, &tte))
	require.NotEmpty(t, tte.Candidates)
}

func TestGetTargetTag_ExactVersion(t *testing.T) {
	tags := mustParseTags(t, "vc__img__ds__1", "vc__img__ds__2", "vc__vid__ds__1")

	got, err := GetTargetTag(tags, "ds", 2)
	require.NoError(t, err)
	require.Equal(t, "vc__img__ds__2", got.String())
}

func TestGetTargetTag_EntityNotFound(t *testing.T) {
	tags := mustParseTags(t, "vc__img__ds__1", "vc__img__ds__2", "vc__vid__ds__1")

	_, err := GetTargetTag(tags, "ds-missing", 1)
	require.Error(t, err)
	var tte *TargetTagError
	require.True(t, errors.As(err, &tte))
	require.Empty(t, tte.Candidates)
	require.Empty(t, tte.LatestTag)
}

func TestGetTargetTag_VersionNotFoundReportsLatest(t *testing.T) {
	tags := mustParseTags(t, "vc__img__ds__1", "vc__img__ds__2")

	_, err := GetTargetTag(tags, "ds", 5)
	require.Error(t, err)
	var tte *TargetTagError
	require.True(t, errors.As(err, &tte))
	require.Equal(t, "vc__img__ds__2", tte.LatestTag)
}

func TestGetTargetTag_SingleEntityLatest(t *testing.T) {
	tags := mustParseTags(t, "vc__img__ds__1", "vc__img__ds__2", "vc__img__ds__3")

	got, err := GetTargetTag(tags, "ds", -1)
	require.NoError(t, err)
	require.Equal(t, 3, got.Version)
}

func TestParseTag_RoundTrip(t *testing.T) {
	tag, err := ParseTag("vision__cats__imgset__4")
	require.NoError(t, err)
	require.Equal(t, []string{"vision", "cats"}, tag.Categories)
	require.Equal(t, "imgset", tag.Name)
	require.Equal(t, 4, tag.Version)
	require.Equal(t, "vision__cats__imgset__4", tag.String())
}

func TestSynthesizeTag(t *testing.T) {
	s := &Spec{Categories: []string{"vision", "cats"}, Name: "imgset", Version: 2}
	tag := SynthesizeTag(s)
	require.Equal(t, "vision__cats__imgset__2", tag.String())
}
