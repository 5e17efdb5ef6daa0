package contracttask_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue/contracttask"
)

var cfg = contracttask.Config{DefaultTargetRuntime: "codex", DefaultPublishMode: "pr"}

func TestNormalizeDerivesCapabilitiesAndStagePlan(t *testing.T) {
	view, err := contracttask.Normalize(cfg, contracttask.RawPayload{
		Repository:    "Moon/Mind",
		TargetRuntime: "codex",
		Task:          contracttask.Task{Instructions: "do the thing"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"codex", "git", "gh"}, view.RequiredCapabilities)
	require.Equal(t, []string{"moonmind.task.prepare", "moonmind.task.execute", "moonmind.task.publish"}, view.StagePlan)
	require.Equal(t, "auto", view.Task.Skill.ID)
}

func TestNormalizeRewritesUniversalRuntime(t *testing.T) {
	view, err := contracttask.Normalize(cfg, contracttask.RawPayload{
		Repository:    "Moon/Mind",
		TargetRuntime: "universal",
		Task:          contracttask.Task{Instructions: "do the thing"},
	})
	require.NoError(t, err)
	require.Equal(t, "codex", view.TargetRuntime)
}

func TestNormalizePublishModeNoneDropsPublishStage(t *testing.T) {
	view, err := contracttask.Normalize(cfg, contracttask.RawPayload{
		Repository:    "Moon/Mind",
		TargetRuntime: "codex",
		Task: contracttask.Task{
			Instructions: "do the thing",
			Publish:      &contracttask.Publish{Mode: "none"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"moonmind.task.prepare", "moonmind.task.execute"}, view.StagePlan)
	require.NotContains(t, view.RequiredCapabilities, "gh")
}

func TestNormalizeRejectsForbiddenStepKey(t *testing.T) {
	_, err := contracttask.Normalize(cfg, contracttask.RawPayload{
		Repository:    "Moon/Mind",
		TargetRuntime: "codex",
		Task: contracttask.Task{
			Instructions: "do the thing",
			Steps:        []contracttask.Step{{"repository": []byte(`"other/repo"`)}},
		},
	})
	require.Error(t, err)
}

func TestNormalizeRejectsRawAuthToken(t *testing.T) {
	_, err := contracttask.Normalize(cfg, contracttask.RawPayload{
		Repository:    "Moon/Mind",
		TargetRuntime: "codex",
		Auth:          &contracttask.Auth{RepoAuthRef: "ghp_rawtoken"},
		Task:          contracttask.Task{Instructions: "do the thing"},
	})
	require.Error(t, err)
}

func TestNormalizeContainerRequiresImageAndCommand(t *testing.T) {
	_, err := contracttask.Normalize(cfg, contracttask.RawPayload{
		Repository:    "Moon/Mind",
		TargetRuntime: "codex",
		Task: contracttask.Task{
			Instructions: "do the thing",
			Container:    &contracttask.Container{Enabled: true},
		},
	})
	require.Error(t, err)
}

func TestNormalizeContainerRejectsReservedEnvKey(t *testing.T) {
	_, err := contracttask.Normalize(cfg, contracttask.RawPayload{
		Repository:    "Moon/Mind",
		TargetRuntime: "codex",
		Task: contracttask.Task{
			Instructions: "do the thing",
			Container: &contracttask.Container{
				Enabled: true,
				Image:   "alpine",
				Command: []string{"run.sh"},
				Env:     map[string]string{"JOB_ID": "x"},
			},
		},
	})
	require.Error(t, err)
}

func TestLiftExecProducesCanonicalView(t *testing.T) {
	view, err := contracttask.Normalize(cfg, contracttask.LiftExec(contracttask.LegacyExecPayload{
		Instruction: "run the build",
		Repository:  "Moon/Mind",
	}))
	require.NoError(t, err)
	require.Equal(t, "run the build", view.Task.Instructions)
	require.Equal(t, "codex", view.TargetRuntime)
}

func TestLiftSkillPullsRepositoryFromInputs(t *testing.T) {
	lifted, err := contracttask.LiftSkill(contracttask.LegacySkillPayload{
		SkillID: "docgen",
		Inputs:  []byte(`{"repository":"Moon/Mind"}`),
	})
	require.NoError(t, err)
	require.Equal(t, "Moon/Mind", lifted.Repository)

	view, err := contracttask.Normalize(cfg, lifted)
	require.NoError(t, err)
	require.Contains(t, view.Task.Instructions, "docgen")
}
