package contractmanifest_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue/contractmanifest"
)

const manifestYAML = `
version: v0
metadata:
  name: research-bot
embeddings:
  provider: openai
vectorStore:
  type: qdrant
dataSources:
  - type: GitHubRepositoryReader
`

// Scenario 6 (spec §8): manifest capability derivation preserves
// configured-baseline, then embeddings/vectorStore/dataSources order.
func TestDeriveManifestCapabilities(t *testing.T) {
	cfg := contractmanifest.Config{RequiredCapabilities: []string{"manifest"}}
	view, err := contractmanifest.NormalizeManifestJobPayload(cfg, contractmanifest.RawManifestJob{
		Name:   "research-bot",
		Action: "run",
		Source: contractmanifest.Source{Kind: "inline", Content: manifestYAML},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"manifest", "embeddings", "openai", "qdrant", "github"}, view.RequiredCapabilities)
	require.NotEmpty(t, view.ManifestHash)
}

func TestManifestNormalizeIsIdempotentOnHash(t *testing.T) {
	cfg := contractmanifest.Config{RequiredCapabilities: []string{"manifest"}}
	raw := contractmanifest.RawManifestJob{
		Name:   "research-bot",
		Action: "plan",
		Source: contractmanifest.Source{Kind: "inline", Content: manifestYAML},
	}
	first, err := contractmanifest.NormalizeManifestJobPayload(cfg, raw)
	require.NoError(t, err)
	second, err := contractmanifest.NormalizeManifestJobPayload(cfg, raw)
	require.NoError(t, err)
	require.Equal(t, first.ManifestHash, second.ManifestHash)
	require.Equal(t, first.RequiredCapabilities, second.RequiredCapabilities)
}

func TestManifestRejectsLeakedSecret(t *testing.T) {
	cfg := contractmanifest.Config{}
	leaking := `
version: v0
metadata:
  name: leaky
embeddings:
  provider: openai
  api_key: sk-abcdefghijklmnopqrstuvwxyz0123456789
`
	_, err := contractmanifest.NormalizeManifestJobPayload(cfg, contractmanifest.RawManifestJob{
		Name:   "leaky",
		Action: "run",
		Source: contractmanifest.Source{Kind: "inline", Content: leaking},
	})
	require.Error(t, err)
}

func TestManifestAllowsSafeSecretReference(t *testing.T) {
	cfg := contractmanifest.Config{}
	safe := `
version: v0
metadata:
  name: safe
embeddings:
  provider: openai
  api_key: vault://secret/openai#api_key
`
	view, err := contractmanifest.NormalizeManifestJobPayload(cfg, contractmanifest.RawManifestJob{
		Name:   "safe",
		Action: "run",
		Source: contractmanifest.Source{Kind: "inline", Content: safe},
	})
	require.NoError(t, err)
	require.Len(t, view.SecretRefs, 1)
	require.Equal(t, "vault", view.SecretRefs[0].Scheme)
}
