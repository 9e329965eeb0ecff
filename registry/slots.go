package registry

import (
	"fmt"
	"os"
	"path/filepath"

	"go.tesserae.dev/trellis/spec/gms"
	"go.tesserae.dev/trellis/view"
)

const viewSlotName = "view"

func raggedTrimName(sg gms.SubgroupID) string {
	return fmt.Sprintf("RaggedTrim_%d", sg)
}

// writeSlot atomically replaces a single-slot file.
func writeSlot(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// readSlot returns (nil, nil) when the slot has never been written.
func readSlot(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// SaveView persists the node's current view into its single slot.
func (st *Store) SaveView(v *view.View) error {
	return writeSlot(filepath.Join(st.dataDir, viewSlotName), v.Marshal())
}

// LoadView returns the persisted view, or nil when none exists.
func (st *Store) LoadView() (*view.View, error) {
	data, err := readSlot(filepath.Join(st.dataDir, viewSlotName))
	if err != nil || data == nil {
		return nil, err
	}
	return view.Unmarshal(data)
}

// SaveRaggedTrim persists a subgroup's trim record. Written before any
// ragged-edge delivery is requested.
func (st *Store) SaveRaggedTrim(rt *view.RaggedTrim) error {
	return writeSlot(filepath.Join(st.dataDir, raggedTrimName(rt.SubgroupID)), rt.Marshal())
}

// LoadRaggedTrim returns a subgroup's trim record, or nil when none
// exists.
func (st *Store) LoadRaggedTrim(sg gms.SubgroupID) (*view.RaggedTrim, error) {
	data, err := readSlot(filepath.Join(st.dataDir, raggedTrimName(sg)))
	if err != nil || data == nil {
		return nil, err
	}
	return view.UnmarshalRaggedTrim(data)
}
