package isolation

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/zeroshot-dev/zeroshot/zserr"
)

// TerraformStateFilename is checked for at the root of a workspace
// before deletion.
const TerraformStateFilename = "terraform.tfstate"

// backupTerraformState zstd-compresses workDir/terraform.tfstate into
// backupDir/<clusterID>.tfstate.zst, if present. A missing state file is
// not an error — most clusters never touch Terraform, and only the
// cluster's own workspace root is checked, not every subdirectory.
func backupTerraformState(backupDir, clusterID, workDir string) error {
	if backupDir == "" || workDir == "" {
		return nil
	}
	src := filepath.Join(workDir, TerraformStateFilename)
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: open terraform state: %v", zserr.ErrIsolation, err)
	}
	defer in.Close()

	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir tfstate backup dir: %v", zserr.ErrIsolation, err)
	}
	dst := filepath.Join(backupDir, clusterID+".tfstate.zst")
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("%w: create tfstate backup: %v", zserr.ErrIsolation, err)
	}
	defer out.Close()

	enc, err := zstd.NewWriter(out)
	if err != nil {
		return fmt.Errorf("%w: zstd writer: %v", zserr.ErrIsolation, err)
	}
	if _, err := io.Copy(enc, in); err != nil {
		_ = enc.Close()
		return fmt.Errorf("%w: compress tfstate backup: %v", zserr.ErrIsolation, err)
	}
	return enc.Close()
}
