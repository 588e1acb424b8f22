package isolation

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeroshot-dev/zeroshot/zserr"
)

// denyInteractivePrompt is installed as every hook name that a CLI might
// invoke to prompt a human interactively (credential helpers, pagers,
// editors). Agents run unattended, so any of these firing must fail
// fast rather than hang the child process waiting on stdin that will
// never come.
const denyInteractivePromptScript = "#!/bin/sh\necho \"zeroshot: interactive prompts are disabled in agent workspaces\" >&2\nexit 1\n"

var deniedInteractiveTools = []string{"git-credential-manager", "pass", "ssh-askpass", "gpg-agent"}

// PrepareCredentials creates a fresh-per-cluster credential directory,
// never shared across clusters, containing a restricted hooks
// subdirectory whose entries unconditionally refuse to
// run, so no child process can block the cluster on an interactive
// prompt.
func PrepareCredentials(baseDir, clusterID string) (credsDir string, err error) {
	credsDir = filepath.Join(baseDir, clusterID, "creds")
	hooksDir := filepath.Join(credsDir, "hooks")
	if err := os.MkdirAll(hooksDir, 0o700); err != nil {
		return "", fmt.Errorf("%w: mkdir creds dir: %v", zserr.ErrIsolation, err)
	}
	for _, name := range deniedInteractiveTools {
		path := filepath.Join(hooksDir, name)
		if err := os.WriteFile(path, []byte(denyInteractivePromptScript), 0o700); err != nil {
			return "", fmt.Errorf("%w: write deny-hook %s: %v", zserr.ErrIsolation, name, err)
		}
	}
	return credsDir, nil
}
