package registry

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/lucia-home/lucia/runtime/lucia"
)

// TestRegistryCatalogMergePreservesCardsProperty verifies that merging the
// catalogs of multiple federation peers with non-conflicting agent ids
// includes every agent from every peer in List()/FindByCapability().
func TestRegistryCatalogMergePreservesCardsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("merged catalog contains every card from every peer", prop.ForAll(
		func(peerConfigs []testPeerConfig) bool {
			if len(peerConfigs) == 0 {
				return true
			}

			r := NewRegistry()
			ctx := context.Background()
			r.syncCtx = ctx

			expected := make(map[string]bool)
			for i, cfg := range peerConfigs {
				peerName := fmt.Sprintf("peer-%d", i)
				var cards []lucia.AgentCard
				for _, id := range cfg.agentIDs {
					qualified := fmt.Sprintf("%s-%s", peerName, id)
					cards = append(cards, lucia.AgentCard{ID: qualified, Capabilities: []string{"test"}})
					expected[qualified] = true
				}
				client := newMockPeerClient(cards...)
				r.AddPeer(peerName, client, PeerConfig{})

				r.mu.RLock()
				entry := r.peers[peerName]
				r.mu.RUnlock()
				r.doSync(peerName, entry)
			}

			found := r.FindByCapability("test")
			if len(found) != len(expected) {
				return false
			}
			for _, card := range found {
				if !expected[card.ID] {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(4, genTestPeerConfig()),
	))

	properties.TestingRun(t)
}

// testPeerConfig describes one federation peer's agent ids for the catalog-merge property.
type testPeerConfig struct {
	agentIDs []string
}

func genTestPeerConfig() gopter.Gen {
	return gen.SliceOfN(3, genNonEmptyAlphaString(12)).Map(func(ids []string) testPeerConfig {
		return testPeerConfig{agentIDs: ids}
	})
}
