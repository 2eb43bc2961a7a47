// Package checkpoint wraps the versioned workspace go-git provides: entering
// a goal stashes uncommitted work behind a harness-owned commit, branches to
// an isolated work branch, snapshots on write/step/milestone boundaries, and
// either squash-merges on success or hard-resets on failure before popping
// the stash back onto the original branch.
package checkpoint

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/hama-jp/open-harness/pkg/models"
)

// signature is the author/committer identity the harness uses for every
// commit it makes on the user's behalf.
var signature = object.Signature{
	Name:  "open-harness",
	Email: "harness@localhost",
}

// writeEditThreshold is the §4.7.3 write/edit invocation count that triggers
// an automatic snapshot.
const writeEditThreshold = 10

// Manager owns one goal's checkpoint lifecycle against a single repository.
type Manager struct {
	repo *git.Repository
	wt   *git.Worktree

	enabled        bool
	originalBranch plumbing.ReferenceName
	workBranch     plumbing.ReferenceName
	stashedCommit  plumbing.Hash
	hasStash       bool

	snapshots    []models.Checkpoint
	writeCount   int
}

// New opens (or, if absent, initializes) the repository at root.
func New(root string) (*Manager, error) {
	repo, err := git.PlainOpen(root)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = initRepo(root)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: init workspace: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("checkpoint: open workspace: %w", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: worktree: %w", err)
	}
	return &Manager{repo: repo, wt: wt, enabled: true}, nil
}

func initRepo(root string) (*git.Repository, error) {
	repo, err := git.PlainInit(root, false)
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, err
	}
	if _, err := wt.Add("."); err != nil {
		return nil, err
	}
	_, err = wt.Commit("harness: initial commit", &git.CommitOptions{Author: &signature, AllowEmptyCommits: true})
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// Disabled reports whether checkpointing has been turned off for this goal
// (Enter turns it off when the repository's HEAD cannot be resolved); the
// orchestrator should skip
// the rest of the lifecycle and log once, per §4.7 step 1's "skip and
// continue" instruction.
func (m *Manager) Disabled() bool { return m == nil || !m.enabled }

// Enter stashes any uncommitted work under a harness-owned commit and
// records the branch the goal started from.
func (m *Manager) Enter() error {
	if m.Disabled() {
		return nil
	}
	head, err := m.repo.Head()
	if err != nil {
		m.enabled = false
		return nil
	}
	m.originalBranch = head.Name()

	status, err := m.wt.Status()
	if err != nil {
		return fmt.Errorf("checkpoint: status: %w", err)
	}
	if status.IsClean() {
		return nil
	}

	if _, err := m.wt.Add("."); err != nil {
		return fmt.Errorf("checkpoint: stash add: %w", err)
	}
	hash, err := m.wt.Commit("harness-stash: uncommitted work at goal start", &git.CommitOptions{Author: &signature})
	if err != nil {
		return fmt.Errorf("checkpoint: stash commit: %w", err)
	}
	m.stashedCommit = hash
	m.hasStash = true
	return nil
}

// Branch creates and switches to harness/goal-<epoch>.
func (m *Manager) Branch(epoch int64) error {
	if m.Disabled() {
		return nil
	}
	name := fmt.Sprintf("harness/goal-%d", epoch)
	ref := plumbing.NewBranchReferenceName(name)
	if err := m.wt.Checkout(&git.CheckoutOptions{Branch: ref, Create: true}); err != nil {
		return fmt.Errorf("checkpoint: branch: %w", err)
	}
	m.workBranch = ref
	return nil
}

// Snapshot commits the current workspace state if it has changed since the
// last commit, recording it under label (e.g. "write#10", "step:implement",
// "milestone:tests-green"). Snapshotting after a clean write/edit count
// reset is the caller's (the reasoner loop's) responsibility via NoteWrite.
func (m *Manager) Snapshot(label string) (models.Checkpoint, error) {
	if m.Disabled() {
		return models.Checkpoint{}, nil
	}
	status, err := m.wt.Status()
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("checkpoint: status: %w", err)
	}
	if status.IsClean() {
		return models.Checkpoint{}, nil
	}
	if _, err := m.wt.Add("."); err != nil {
		return models.Checkpoint{}, fmt.Errorf("checkpoint: snapshot add: %w", err)
	}
	msg := fmt.Sprintf("harness: snapshot (%s)", label)
	hash, err := m.wt.Commit(msg, &git.CommitOptions{Author: &signature})
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("checkpoint: snapshot commit: %w", err)
	}
	cp := models.Checkpoint{
		BranchLabel: m.workBranch.Short(),
		SnapshotRef: hash.String(),
		TakenAfter:  label,
		At:          time.Now(),
	}
	m.snapshots = append(m.snapshots, cp)
	return cp, nil
}

// NoteWrite increments the write/edit counter and reports whether it just
// reached a multiple of the 10-call snapshot threshold. The counter is never
// reset, so the signal repeats on every tenth call.
func (m *Manager) NoteWrite() bool {
	m.writeCount++
	return m.writeCount%writeEditThreshold == 0
}

// LastSnapshot returns the most recent snapshot taken, if any.
func (m *Manager) LastSnapshot() (models.Checkpoint, bool) {
	if len(m.snapshots) == 0 {
		return models.Checkpoint{}, false
	}
	return m.snapshots[len(m.snapshots)-1], true
}

// Rollback hard-resets the work branch to the last snapshot after a plan step
// exceeds its budget. If no snapshot has been taken it returns an error and
// leaves the worktree as it is.
// Snapshot already commits the tree on every call, so what a rollback
// actually discards is never committed history (HEAD sits at the last
// snapshot the whole time) but the dirty working-tree edits made since — a
// hard reset restores a tracked path's committed content, it does not delete
// an untracked one. The second return value lists the tracked paths it put
// back, so the caller can drop their now-stale entries from any
// higher-level record of what changed (§9(c)'s files_modified resolution).
func (m *Manager) Rollback() (models.Checkpoint, []string, error) {
	if m.Disabled() {
		return models.Checkpoint{}, nil, nil
	}
	cp, ok := m.LastSnapshot()
	if !ok {
		return models.Checkpoint{}, nil, fmt.Errorf("checkpoint: no snapshot to roll back to")
	}
	hash := plumbing.NewHash(cp.SnapshotRef)

	status, err := m.wt.Status()
	if err != nil {
		return models.Checkpoint{}, nil, fmt.Errorf("checkpoint: rollback: status: %w", err)
	}
	var reverted []string
	for path, s := range status {
		if s.Worktree == git.Modified || s.Worktree == git.Deleted ||
			s.Staging == git.Modified || s.Staging == git.Deleted {
			reverted = append(reverted, path)
		}
	}

	if err := m.wt.Reset(&git.ResetOptions{Commit: hash, Mode: git.HardReset}); err != nil {
		return models.Checkpoint{}, nil, fmt.Errorf("checkpoint: rollback: %w", err)
	}
	return cp, reverted, nil
}

// Commit squash-merges the work branch into the original branch on goal
// success, then deletes the work branch. The user's original branch is
// never touched except by this single new commit.
func (m *Manager) Commit(message string) error {
	if m.Disabled() || m.workBranch == "" {
		return nil
	}
	goalHead, err := m.repo.Reference(m.workBranch, true)
	if err != nil {
		return fmt.Errorf("checkpoint: resolve work branch: %w", err)
	}
	goalCommit, err := m.repo.CommitObject(goalHead.Hash())
	if err != nil {
		return fmt.Errorf("checkpoint: load work branch commit: %w", err)
	}
	goalTree, err := goalCommit.Tree()
	if err != nil {
		return fmt.Errorf("checkpoint: load work branch tree: %w", err)
	}

	if err := m.wt.Checkout(&git.CheckoutOptions{Branch: m.originalBranch}); err != nil {
		return fmt.Errorf("checkpoint: checkout original branch: %w", err)
	}

	if err := replaceWorktreeWithTree(m.wt, goalTree); err != nil {
		return fmt.Errorf("checkpoint: materialize squash tree: %w", err)
	}
	if _, err := m.wt.Add("."); err != nil {
		return fmt.Errorf("checkpoint: stage squash: %w", err)
	}
	if _, err := m.wt.Commit("harness: "+message, &git.CommitOptions{Author: &signature, AllowEmptyCommits: true}); err != nil {
		return fmt.Errorf("checkpoint: squash commit: %w", err)
	}

	branchRefName := m.workBranch
	if err := m.repo.Storer.RemoveReference(branchRefName); err != nil {
		return fmt.Errorf("checkpoint: delete work branch: %w", err)
	}

	// Any stash Enter made is now folded into this squash commit's tree, so
	// there is nothing left for Restore to pop: resetting past this commit
	// would throw away the goal's own result, not just the pre-goal stash.
	m.hasStash = false
	return nil
}

// Discard abandons the work branch entirely without merging anything into
// the original branch, used on a hard goal failure where not even one plan
// step succeeded — the branch is still deleted so Restore can safely pop the
// stash afterward, but the original branch's tree is left completely
// untouched.
func (m *Manager) Discard() error {
	if m.Disabled() || m.workBranch == "" {
		return nil
	}
	if err := m.wt.Checkout(&git.CheckoutOptions{Branch: m.originalBranch}); err != nil {
		return fmt.Errorf("checkpoint: checkout original branch: %w", err)
	}
	if err := m.repo.Storer.RemoveReference(m.workBranch); err != nil {
		return fmt.Errorf("checkpoint: delete work branch: %w", err)
	}
	return nil
}

// replaceWorktreeWithTree overwrites the current worktree's files with the
// contents of tree, the mechanism this harness uses in place of go-git's
// native merge (not exposed for working-tree merges in the vendored
// version): walk the goal branch's final tree and write each blob's bytes
// into the now-checked-out original branch's worktree.
func replaceWorktreeWithTree(wt *git.Worktree, tree *object.Tree) error {
	return tree.Files().ForEach(func(f *object.File) error {
		contents, err := f.Contents()
		if err != nil {
			return err
		}
		fh, err := wt.Filesystem.Create(f.Name)
		if err != nil {
			return err
		}
		defer fh.Close()
		_, err = fh.Write([]byte(contents))
		return err
	})
}

// Restore pops the harness-owned stash commit (if Enter made one and it is
// still pending), returning the original branch's working tree to the state
// it was in before the goal started. After a successful Commit the stash is
// already folded into the squash commit, so Restore does nothing; after
// Discard it resets the original branch past the stash commit.
func (m *Manager) Restore() error {
	if m.Disabled() || !m.hasStash {
		return nil
	}
	if err := m.wt.Checkout(&git.CheckoutOptions{Branch: m.originalBranch}); err != nil {
		return fmt.Errorf("checkpoint: checkout for restore: %w", err)
	}
	parent, err := m.stashParent()
	if err != nil {
		return fmt.Errorf("checkpoint: resolve stash parent: %w", err)
	}
	if err := m.wt.Reset(&git.ResetOptions{Commit: parent, Mode: git.MixedReset}); err != nil {
		return fmt.Errorf("checkpoint: pop stash: %w", err)
	}
	m.hasStash = false
	return nil
}

func (m *Manager) stashParent() (plumbing.Hash, error) {
	commit, err := m.repo.CommitObject(m.stashedCommit)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if commit.NumParents() == 0 {
		return plumbing.ZeroHash, fmt.Errorf("stash commit has no parent")
	}
	parent, err := commit.Parent(0)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return parent.Hash, nil
}
