package executor

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/clarity-dev/clarity/pkg/container"
)

// ensureRepo makes sure the repository is cloned under /workspace and
// checked out at the requested branch. Idempotent: an existing clone
// pointing at the expected remote is reused.
func (e *Executor) ensureRepo(ctx context.Context, containerID string, cmd Command) (string, error) {
	if cmd.RepoURL == "" {
		// No repository to prepare; commands run in the workspace root.
		return "/workspace", nil
	}
	repoDir := path.Join("/workspace", repoName(cmd.RepoURL))

	probe, err := e.containers.Exec(ctx, containerID,
		[]string{"git", "-C", repoDir, "remote", "get-url", "origin"}, container.ExecOptions{})
	if err != nil {
		return "", err
	}
	if probe.ExitCode == 0 {
		if strings.TrimSpace(probe.Stdout) != cmd.RepoURL {
			return "", fmt.Errorf("workspace %s tracks %s, expected %s",
				repoDir, strings.TrimSpace(probe.Stdout), cmd.RepoURL)
		}
	} else {
		argv := []string{"git", "clone", cmd.RepoURL, repoDir}
		if cmd.Branch != "" {
			argv = []string{"git", "clone", "--branch", cmd.Branch, cmd.RepoURL, repoDir}
		}
		cloned, err := e.containers.Exec(ctx, containerID, argv, container.ExecOptions{})
		if err != nil {
			return "", err
		}
		if cloned.ExitCode != 0 {
			return "", fmt.Errorf("git clone exited with code %d: %s",
				cloned.ExitCode, stderrTail(cloned.Stderr))
		}
	}

	if cmd.Branch != "" {
		checkout, err := e.containers.Exec(ctx, containerID,
			[]string{"git", "-C", repoDir, "checkout", cmd.Branch}, container.ExecOptions{})
		if err != nil {
			return "", err
		}
		if checkout.ExitCode != 0 {
			return "", fmt.Errorf("git checkout %s exited with code %d: %s",
				cmd.Branch, checkout.ExitCode, stderrTail(checkout.Stderr))
		}
	}
	return repoDir, nil
}

// Push publishes the branch to origin. Token auth rides on the
// whitelisted environment injected at container creation.
func (e *Executor) Push(ctx context.Context, projectID, branch string) error {
	info, err := e.containers.StartOrReuse(ctx, projectID)
	if err != nil {
		return err
	}
	repoDir, err := e.workspaceRepo(ctx, info.ID)
	if err != nil {
		return err
	}
	argv := []string{"git", "-C", repoDir, "push", "origin"}
	if branch != "" {
		argv = append(argv, branch)
	}
	res, err := e.containers.Exec(ctx, info.ID, argv, container.ExecOptions{})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git push exited with code %d: %s", res.ExitCode, stderrTail(res.Stderr))
	}
	return nil
}

// workspaceRepo locates the single checked-out repository under
// /workspace.
func (e *Executor) workspaceRepo(ctx context.Context, containerID string) (string, error) {
	res, err := e.containers.Exec(ctx, containerID,
		[]string{"sh", "-c", "ls -d /workspace/*/.git 2>/dev/null | head -1"}, container.ExecOptions{})
	if err != nil {
		return "", err
	}
	dir := strings.TrimSpace(res.Stdout)
	if res.ExitCode != 0 || dir == "" {
		return "", fmt.Errorf("no repository checked out under /workspace")
	}
	return strings.TrimSuffix(dir, "/.git"), nil
}

// verifyToolchain checks that npm is available, the project has a
// package.json, and (for builds) the named script exists.
func (e *Executor) verifyToolchain(ctx context.Context, containerID, repoDir string, cmd Command) error {
	npm, err := e.containers.Exec(ctx, containerID, []string{"npm", "--version"}, container.ExecOptions{})
	if err != nil {
		return err
	}
	if npm.ExitCode != 0 {
		return fmt.Errorf("npm is not available in the container")
	}

	manifest, err := e.containers.Exec(ctx, containerID,
		[]string{"test", "-f", path.Join(repoDir, "package.json")}, container.ExecOptions{})
	if err != nil {
		return err
	}
	if manifest.ExitCode != 0 {
		return fmt.Errorf("no package.json in %s", repoDir)
	}

	if cmd.Op == OpBuild {
		script := buildScript(cmd)
		check, err := e.containers.Exec(ctx, containerID, []string{
			"node", "-e",
			fmt.Sprintf(`process.exit(require('./package.json').scripts?.[%q] ? 0 : 1)`, script),
		}, container.ExecOptions{WorkingDir: repoDir})
		if err != nil {
			return err
		}
		if check.ExitCode != 0 {
			return fmt.Errorf("package.json has no %q script", script)
		}
	}
	return nil
}

func repoName(repoURL string) string {
	name := path.Base(strings.TrimSuffix(repoURL, "/"))
	name = strings.TrimSuffix(name, ".git")
	return container.Sanitize(name)
}
