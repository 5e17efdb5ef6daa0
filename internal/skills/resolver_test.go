package skills_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/skills"
)

func TestValidateSkillNameRejectsTraversal(t *testing.T) {
	_, err := skills.ValidateSkillName("../escape")
	require.Error(t, err)

	_, err = skills.ValidateSkillName("docgen")
	require.NoError(t, err)
}

func TestResolveRunSkillSelectionJobOverrideWins(t *testing.T) {
	cfg := skills.ResolverConfig{
		PolicyMode:   "allowlist",
		DefaultSkill: "speckit",
	}
	sel, err := skills.ResolveRunSkillSelection("run-1", skills.SelectionRequest{
		JobOverrideCSV: "docgen:v2,speckit",
		QueueProfile:   []skills.SkillEntryInput{{SkillName: "other"}},
		SourceOverrides: map[string]string{
			"docgen": "file:///skills/docgen",
		},
	}, cfg)
	require.NoError(t, err)
	require.Equal(t, "job_override", sel.SelectionSource)
	require.Len(t, sel.Skills, 2)
	require.Equal(t, "docgen", sel.Skills[0].SkillName)
	require.Equal(t, "v2", sel.Skills[0].Version)
	require.Equal(t, "file:///skills/docgen", sel.Skills[0].SourceURI)
	require.Equal(t, "builtin://speckit", sel.Skills[1].SourceURI)
}

func TestResolveRunSkillSelectionRejectsDuplicateSkillNames(t *testing.T) {
	cfg := skills.ResolverConfig{}
	_, err := skills.ResolveRunSkillSelection("run-1", skills.SelectionRequest{
		JobOverrideCSV: "docgen,docgen",
		SourceOverrides: map[string]string{
			"docgen": "builtin://speckit",
		},
	}, cfg)
	require.Error(t, err)
}

func TestGlobalDefaultSelectionPermissiveDiscoversLocalMirrors(t *testing.T) {
	cfg := skills.ResolverConfig{
		PolicyMode:      "permissive",
		LocalMirrorRoot: "/mirrors/local",
		ListLocalMirrorSkills: func(root string) ([]string, error) {
			if root == "/mirrors/local" {
				return []string{"docgen", "triage"}, nil
			}
			return nil, nil
		},
		LocalSourceURI: func(skillName string) (string, bool) {
			return "file:///mirrors/local/" + skillName, true
		},
	}
	sel, err := skills.ResolveRunSkillSelection("run-1", skills.SelectionRequest{}, cfg)
	require.NoError(t, err)
	require.Equal(t, "global_default", sel.SelectionSource)
	names := make([]string, 0, len(sel.Skills))
	for _, s := range sel.Skills {
		names = append(names, s.SkillName)
	}
	require.ElementsMatch(t, []string{"docgen", "triage"}, names)
}

func TestResolveRunSkillSelectionRejectsMissingSource(t *testing.T) {
	cfg := skills.ResolverConfig{}
	_, err := skills.ResolveRunSkillSelection("run-1", skills.SelectionRequest{
		JobOverrideCSV: "docgen",
	}, cfg)
	require.Error(t, err)
}
