// Package gitrepo keeps a git history of each board's column configuration. Every
// configuration change commits a columns.json snapshot to a per-board repository.
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"vendaflow/api/internal/store"
)

const snapshotFile = "columns.json"

// ErrNoHistory is returned when a board has no recorded configuration yet.
var ErrNoHistory = errors.New("board has no configuration history")

type ColumnConfig struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	Position              int    `json:"position"`
	BlockBackwardMovement bool   `json:"blockBackwardMovement"`
	IsCompletionStage     bool   `json:"isCompletionStage"`
	AutoDeleteEnabled     bool   `json:"autoDeleteEnabled"`
	AutoDeleteAfterHours  int    `json:"autoDeleteAfterHours"`
}

type Snapshot struct {
	Columns []ColumnConfig `json:"columns"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// CommitSnapshot records snapshot as the board's latest configuration, creating the
// repository on first use. When the snapshot equals the current head nothing is
// committed and the head is returned with changed=false.
func (s *Service) CommitSnapshot(boardID string, snapshot Snapshot, author, message string) (info store.CommitInfo, changed bool, err error) {
	lock := s.boardLock(boardID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(boardID)
	if err != nil {
		return store.CommitInfo{}, false, err
	}

	if head, err := repo.Head(); err == nil {
		commitObj, err := repo.CommitObject(head.Hash())
		if err != nil {
			return store.CommitInfo{}, false, fmt.Errorf("load head commit: %w", err)
		}
		current, err := readSnapshot(commitObj)
		if err != nil {
			return store.CommitInfo{}, false, err
		}
		if !HasChanges(current, snapshot) {
			return toCommitInfo(commitObj), false, nil
		}
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return store.CommitInfo{}, false, fmt.Errorf("resolve head: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return store.CommitInfo{}, false, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return store.CommitInfo{}, false, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return store.CommitInfo{}, false, fmt.Errorf("write %s: %w", snapshotFile, err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return store.CommitInfo{}, false, fmt.Errorf("git add snapshot: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@boards.vendaflow.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return store.CommitInfo{}, false, fmt.Errorf("commit snapshot: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), true, nil
}

func (s *Service) History(boardID string, limit int) ([]store.CommitInfo, error) {
	lock := s.boardLock(boardID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(boardID)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return []store.CommitInfo{}, nil
		}
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) GetSnapshotByHash(boardID, hash string) (Snapshot, store.CommitInfo, error) {
	lock := s.boardLock(boardID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(boardID)
	if err != nil {
		return Snapshot{}, store.CommitInfo{}, err
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return Snapshot{}, store.CommitInfo{}, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return Snapshot{}, store.CommitInfo{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	snapshot, err := readSnapshot(commitObj)
	if err != nil {
		return Snapshot{}, store.CommitInfo{}, err
	}
	return snapshot, toCommitInfo(commitObj), nil
}

func (s *Service) repoPath(boardID string) string {
	return filepath.Join(s.baseDir, boardID)
}

func (s *Service) open(boardID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(boardID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(boardID string) (*git.Repository, error) {
	repo, err := s.open(boardID)
	if !errors.Is(err, ErrNoHistory) {
		return repo, err
	}
	path := s.repoPath(boardID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) boardLock(boardID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[boardID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[boardID] = lock
	}
	return lock
}

func readSnapshot(commitObj *object.Commit) (Snapshot, error) {
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(contents), &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}

// ColumnChange describes how one column differs between two snapshots.
type ColumnChange struct {
	ColumnID string        `json:"columnId"`
	Change   string        `json:"change"` // added, removed, updated
	Before   *ColumnConfig `json:"before,omitempty"`
	After    *ColumnConfig `json:"after,omitempty"`
}

// DiffColumns lists added, removed and updated columns, in the order of to followed by
// columns only present in from.
func DiffColumns(from, to Snapshot) []ColumnChange {
	before := make(map[string]ColumnConfig, len(from.Columns))
	for _, col := range from.Columns {
		before[col.ID] = col
	}
	changes := make([]ColumnChange, 0)
	seen := make(map[string]bool, len(to.Columns))
	for _, col := range to.Columns {
		after := col
		seen[col.ID] = true
		prev, ok := before[col.ID]
		switch {
		case !ok:
			changes = append(changes, ColumnChange{ColumnID: col.ID, Change: "added", After: &after})
		case prev != col:
			changes = append(changes, ColumnChange{ColumnID: col.ID, Change: "updated", Before: &prev, After: &after})
		}
	}
	for _, col := range from.Columns {
		if !seen[col.ID] {
			prev := col
			changes = append(changes, ColumnChange{ColumnID: col.ID, Change: "removed", Before: &prev})
		}
	}
	return changes
}

func HasChanges(from, to Snapshot) bool {
	return !reflect.DeepEqual(normalize(from), normalize(to))
}

func normalize(s Snapshot) []ColumnConfig {
	if len(s.Columns) == 0 {
		return nil
	}
	return s.Columns
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
