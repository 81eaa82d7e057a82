package workspace

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/agent-factory/internal/domain"
)

// MergeResult describes the outcome of merging an attempt branch into base
type MergeResult struct {
	Status domain.MergeStatus
	Log    []string
	Detail string // conflict or failure detail
}

// Merge merges an attempt's branch back into the base branch with --no-ff.
// On conflict the merge is aborted and the repository is left in its
// pre-merge state. The fast-forward pull of base is best-effort: a failure
// is logged in the result, never fatal.
func (m *Manager) Merge(branch, taskID string) (*MergeResult, error) {
	if !m.HasRepo() {
		return nil, fmt.Errorf("no source repository configured")
	}

	res := &MergeResult{Status: domain.MergeNotMerged}

	if out, err := runGit(m.repoDir, "checkout", m.baseBranch); err != nil {
		return res, fmt.Errorf("checkout %s: %s: %w", m.baseBranch, out, err)
	}
	res.Log = append(res.Log, "checked out "+m.baseBranch)

	if out, err := runGit(m.repoDir, "pull", "--ff-only"); err != nil {
		res.Log = append(res.Log, "pull --ff-only failed (continuing): "+out)
	} else {
		res.Log = append(res.Log, "pulled "+m.baseBranch)
	}

	msg := fmt.Sprintf("Merge %s (task %s)", branch, taskID)
	out, err := runGit(m.repoDir, "merge", "--no-ff", "-m", msg, branch)
	if err != nil {
		if strings.Contains(out, "CONFLICT") {
			if abortOut, abortErr := runGit(m.repoDir, "merge", "--abort"); abortErr != nil {
				res.Log = append(res.Log, "merge --abort failed: "+abortOut)
			} else {
				res.Log = append(res.Log, "merge aborted")
			}
			res.Status = domain.MergeConflict
			res.Detail = out
			return res, nil
		}
		return res, fmt.Errorf("git merge: %s: %w", out, err)
	}

	res.Log = append(res.Log, "merged "+branch)
	res.Status = domain.MergeMerged
	return res, nil
}
