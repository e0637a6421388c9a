package workerpool

import (
	"fmt"
	"os/exec"
)

// runGenIsoImage packs dataDir (containing user-data/meta-data) into a
// cidata-labeled ISO at outputPath via genisoimage, the same external-tool
// invocation kvm.CreateCloudInitISO uses.
func runGenIsoImage(dataDir, outputPath string) error {
	cmd := exec.Command("genisoimage", "-output", outputPath, "-volid", "cidata", "-joliet", "-rock", dataDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("workerpool: genisoimage failed: %w: %s", err, out)
	}
	return nil
}
