package manifest

import (
	"encoding/json"
	"fmt"
	"os"
)

// Set is an ordered list of depots destined for one target tree. Order is
// load-bearing: a later depot's version of a path supersedes an earlier one's.
type Set struct {
	AppID  uint32  `json:"app_id"`
	Depots []Depot `json:"depots"`
}

// LoadSet reads an already-decoded depot set from a JSON file. The opaque
// binary manifest encoding used on the wire is decoded upstream; this file is
// the plaintext boundary form.
func LoadSet(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read depot set: %w", err)
	}

	var set Set
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse depot set %s: %w", path, err)
	}
	if len(set.Depots) == 0 {
		return nil, fmt.Errorf("depot set %s contains no depots", path)
	}

	for _, d := range set.Depots {
		if d.ID == 0 {
			return nil, fmt.Errorf("depot set %s: depot with id 0", path)
		}
		if err := d.Manifest.Validate(); err != nil {
			return nil, fmt.Errorf("depot %d: %w", d.ID, err)
		}
	}
	return &set, nil
}
