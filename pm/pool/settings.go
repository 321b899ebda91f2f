package pool

import (
	"path/filepath"

	"github.com/mcas-go/pmemkv/internal/persist"
)

// settingsMetadata tags the JSON side-file create_pool writes alongside a
// pool's region (internal/persist's documented use for "pool settings
// snapshots"): the choice of heap flavor, the expected object count used to
// presize the table, and the creator's authority are all fixed at create
// time and have nowhere else to live, since the pool header itself holds no
// self-describing tag for which flavor built it.
var settingsMetadata = persist.Metadata{Header: "pmemkv-pool-settings", Version: "1"}

// poolSettings is create_pool's durable record of the options a pool was
// created with (spec.md §6.1).
type poolSettings struct {
	Flavor           Flavor
	ExpectedObjCount uint64
	Authority        uint64
}

func settingsPath(dir, name string) string {
	return filepath.Join(dir, name+".settings.json")
}

func saveSettings(dir, name string, s poolSettings) error {
	return persist.SaveJSON(settingsMetadata, &s, settingsPath(dir, name))
}

func loadSettings(dir, name string) (poolSettings, error) {
	var s poolSettings
	err := persist.LoadJSON(settingsMetadata, &s, settingsPath(dir, name))
	return s, err
}
