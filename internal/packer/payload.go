package packer

import (
	"fmt"
	"os"

	"github.com/rvboot/tools/internal/config"
	"github.com/rvboot/tools/packer"
	"github.com/spf13/afero"
)

// PayloadFile is a payload found on disk.
type PayloadFile struct {
	packer.Payload
	Path string
	Size int64 // in bytes
}

// FindPayloads locates the device tree, firmware and kernel images (in that
// order) and measures them.
func FindPayloads(fs afero.Fs, cfg *config.Struct) ([]PayloadFile, error) {
	var result []PayloadFile
	for _, p := range []struct {
		name string
		file string
	}{
		{packer.PayloadDeviceTree, cfg.DTB},
		{packer.PayloadFirmware, cfg.Firmware},
		{packer.PayloadKernel, cfg.Kernel},
	} {
		path := cfg.PayloadPath(p.file)
		f, err := fs.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s image %s not found; build the images first", ErrMissingInput, p.name, path)
			}
			return nil, fmt.Errorf("%w: %s image %s is not readable: %v", ErrMissingInput, p.name, path, err)
		}
		st, err := f.Stat()
		f.Close()
		if err != nil {
			return nil, err
		}
		if !st.Mode().IsRegular() {
			return nil, fmt.Errorf("%w: %s image %s is not a regular file", ErrMissingInput, p.name, path)
		}
		// A zero-length partition cannot be expressed in a GPT.
		if st.Size() == 0 {
			return nil, fmt.Errorf("%w: %s image %s is empty; build the images first", ErrInvalidSize, p.name, path)
		}
		result = append(result, PayloadFile{
			Payload: packer.Payload{
				Name:   p.name,
				Blocks: packer.BlocksFor(st.Size()),
			},
			Path: path,
			Size: st.Size(),
		})
	}
	return result, nil
}

// PlanFor computes the layout for payloads as returned by FindPayloads.
func PlanFor(payloads []PayloadFile) (packer.LayoutPlan, error) {
	if len(payloads) != 3 {
		return packer.LayoutPlan{}, fmt.Errorf("BUG: got %d payloads, want 3", len(payloads))
	}
	return packer.ComputeLayout(payloads[0].Blocks, payloads[1].Blocks, payloads[2].Blocks)
}
