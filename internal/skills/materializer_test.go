package skills_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/skills"
)

func writeLocalSkill(t *testing.T, root, name string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	skillMD := "---\nname: " + name + "\ndescription: test skill\n---\nBody.\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(skillMD), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/sh\necho hi\n"), 0o755))
	return dir
}

func TestMaterializeRunSkillWorkspaceLinksAndCaches(t *testing.T) {
	sources := t.TempDir()
	skillDir := writeLocalSkill(t, sources, "docgen")

	runRoot := t.TempDir()
	cacheRoot := t.TempDir()
	cfg := skills.NewMaterializerConfig()

	selection := skills.RunSkillSelection{
		RunID:           "run-1",
		SelectionSource: "job_override",
		Skills: []skills.ResolvedSkill{
			{SkillName: "docgen", Version: "local", SourceURI: skillDir},
		},
	}

	ws, err := skills.MaterializeRunSkillWorkspace(context.Background(), cfg, selection, runRoot, cacheRoot)
	require.NoError(t, err)
	require.Len(t, ws.Skills, 1)
	require.NotEmpty(t, ws.Skills[0].ContentHash)

	require.NoError(t, skills.ValidateSharedSkillLinks(ws.Links))

	active := filepath.Join(runRoot, "skills_active", "docgen")
	info, err := os.Lstat(active)
	require.NoError(t, err)
	require.True(t, info.Mode()&os.ModeSymlink != 0)

	// Materializing a second run against the same cache root with an
	// identical source reuses the cache directory under the same hash.
	runRoot2 := t.TempDir()
	ws2, err := skills.MaterializeRunSkillWorkspace(context.Background(), cfg, selection, runRoot2, cacheRoot)
	require.NoError(t, err)
	require.Equal(t, ws.Skills[0].ContentHash, ws2.Skills[0].ContentHash)
	require.Equal(t, ws.Skills[0].CachePath, ws2.Skills[0].CachePath)
}

func TestMaterializeRunSkillWorkspaceRejectsHashMismatch(t *testing.T) {
	sources := t.TempDir()
	skillDir := writeLocalSkill(t, sources, "docgen")

	runRoot := t.TempDir()
	cacheRoot := t.TempDir()
	cfg := skills.NewMaterializerConfig()

	selection := skills.RunSkillSelection{
		RunID:           "run-1",
		SelectionSource: "job_override",
		Skills: []skills.ResolvedSkill{
			{SkillName: "docgen", Version: "local", SourceURI: skillDir, ContentHash: "deadbeef"},
		},
	}

	_, err := skills.MaterializeRunSkillWorkspace(context.Background(), cfg, selection, runRoot, cacheRoot)
	require.Error(t, err)
}

func TestMaterializeRunSkillWorkspaceRejectsDuplicateSkillName(t *testing.T) {
	sources := t.TempDir()
	skillDir := writeLocalSkill(t, sources, "docgen")

	runRoot := t.TempDir()
	cacheRoot := t.TempDir()
	cfg := skills.NewMaterializerConfig()

	selection := skills.RunSkillSelection{
		RunID: "run-1",
		Skills: []skills.ResolvedSkill{
			{SkillName: "docgen", Version: "local", SourceURI: skillDir},
			{SkillName: "docgen", Version: "local", SourceURI: skillDir},
		},
	}

	_, err := skills.MaterializeRunSkillWorkspace(context.Background(), cfg, selection, runRoot, cacheRoot)
	require.Error(t, err)
}
