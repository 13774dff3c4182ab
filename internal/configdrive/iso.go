package configdrive

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/kdomanski/iso9660"

	"github.com/jbweber/crucible/api/v1alpha1"
)

// VolumeLabel is the ISO volume identifier config-drive readers look for.
const VolumeLabel = "config-2"

// Build returns the config-drive ISO image of inst, ready to be uploaded to
// a storage volume.
func Build(inst *v1alpha1.Instance, adminPassword string, files []v1alpha1.File) ([]byte, error) {
	contents, err := Contents(inst, adminPassword, files)
	if err != nil {
		return nil, err
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return nil, fmt.Errorf("failed to create ISO writer: %w", err)
	}
	defer func() {
		// Temporary staging files only.
		_ = writer.Cleanup()
	}()

	paths := make([]string, 0, len(contents))
	for p := range contents {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if err := writer.AddFile(bytes.NewReader(contents[p]), p); err != nil {
			return nil, fmt.Errorf("failed to add %s: %w", p, err)
		}
	}

	var buf bytes.Buffer
	if err := writer.WriteTo(&buf, VolumeLabel); err != nil {
		return nil, fmt.Errorf("failed to write ISO image: %w", err)
	}
	return buf.Bytes(), nil
}
