package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigValidateRejectsDuplicateCollection(t *testing.T) {
	cfg := Config{Collections: []CollectionConfig{{Name: "foos"}, {Name: "foos"}}}
	require.Error(t, cfg.validate())
}

func TestConfigValidateRejectsReservedName(t *testing.T) {
	cfg := Config{Collections: []CollectionConfig{{Name: metaURI}}}
	require.Error(t, cfg.validate())
}

func TestConfigValidateRejectsSlashInName(t *testing.T) {
	cfg := Config{Collections: []CollectionConfig{{Name: "foo/bar"}}}
	require.Error(t, cfg.validate())
}

func TestConfigValidateRejectsViewObservingUnknownCollection(t *testing.T) {
	cfg := Config{Views: []ViewConfig{{Name: "v", Observes: "ghost", Keys: []string{"k"}}}}
	require.Error(t, cfg.validate())
}

func TestConfigValidateRejectsViewWithNoKeys(t *testing.T) {
	cfg := Config{
		Collections: []CollectionConfig{{Name: "foos"}},
		Views:       []ViewConfig{{Name: "v", Observes: "foos"}},
	}
	require.Error(t, cfg.validate())
}

func TestConfigValidateRejectsViewCollidingWithCollectionName(t *testing.T) {
	cfg := Config{
		Collections: []CollectionConfig{{Name: "foos"}},
		Views:       []ViewConfig{{Name: "foos", Observes: "foos", Keys: []string{"k"}}},
	}
	require.Error(t, cfg.validate())
}

func TestConfigValidateAcceptsValidConfig(t *testing.T) {
	cfg := Config{
		Collections: []CollectionConfig{{Name: "foos"}},
		Views:       []ViewConfig{{Name: "foos-by-a", Observes: "foos", Keys: []string{"a"}}},
	}
	require.NoError(t, cfg.validate())
}
