// Package draftrepo keeps draft snapshots in a git repository per record,
// one commit per save. The head commit is the current draft; history feeds
// the curation timeline and diff baselines survive process restarts.
package draftrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"curator/api/internal/diff"
)

const draftFile = "draft.json"

// CommitInfo describes one saved draft version.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

var ErrNoDraft = errors.New("no draft repository for record")

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

// Ensure initializes the record's draft repository with an initial snapshot.
// Existing repositories are left untouched.
func (s *Service) Ensure(recordID string, initial diff.Snapshot, author string) error {
	lock := s.recordLock(recordID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(recordID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	hash, err := writeAndCommit(repo, path, initial, author, "Initial draft")
	if err != nil {
		return err
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// Save commits a new draft snapshot and returns the commit.
func (s *Service) Save(recordID string, snap diff.Snapshot, author, message string) (CommitInfo, error) {
	lock := s.recordLock(recordID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(recordID)
	if err != nil {
		return CommitInfo{}, err
	}

	hash, err := writeAndCommit(repo, s.repoPath(recordID), snap, author, message)
	if err != nil {
		return CommitInfo{}, err
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// Head returns the current draft snapshot and its commit.
func (s *Service) Head(recordID string) (diff.Snapshot, CommitInfo, error) {
	lock := s.recordLock(recordID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(recordID)
	if err != nil {
		return diff.Snapshot{}, CommitInfo{}, err
	}

	ref, err := repo.Head()
	if err != nil {
		return diff.Snapshot{}, CommitInfo{}, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return diff.Snapshot{}, CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}

	snap, err := readSnapshot(commitObj)
	if err != nil {
		return diff.Snapshot{}, CommitInfo{}, err
	}
	return snap, toCommitInfo(commitObj), nil
}

// At returns the draft snapshot at a specific commit.
func (s *Service) At(recordID, hash string) (diff.Snapshot, error) {
	lock := s.recordLock(recordID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(recordID)
	if err != nil {
		return diff.Snapshot{}, err
	}

	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return diff.Snapshot{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return diff.Snapshot{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readSnapshot(commitObj)
}

// History lists saved versions, newest first.
func (s *Service) History(recordID string, limit int) ([]CommitInfo, error) {
	lock := s.recordLock(recordID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(recordID)
	if err != nil {
		return nil, err
	}

	ref, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Remove deletes the record's draft repository. Used when a never-published
// draft is discarded.
func (s *Service) Remove(recordID string) error {
	lock := s.recordLock(recordID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(recordID)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

func (s *Service) open(recordID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(recordID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoDraft
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(recordID string) string {
	return filepath.Join(s.baseDir, recordID)
}

func (s *Service) recordLock(recordID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[recordID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[recordID] = lock
	return lock
}

func writeAndCommit(repo *git.Repository, repoRoot string, snap diff.Snapshot, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal draft: %w", err)
	}
	if err := os.WriteFile(filepath.Join(repoRoot, draftFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write draft: %w", err)
	}
	if _, err := worktree.Add(draftFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add draft: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.curator.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit draft: %w", err)
	}
	return hash, nil
}

func readSnapshot(commitObj *object.Commit) (diff.Snapshot, error) {
	file, err := commitObj.File(draftFile)
	if err != nil {
		return diff.Snapshot{}, fmt.Errorf("load draft from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return diff.Snapshot{}, fmt.Errorf("open draft reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return diff.Snapshot{}, fmt.Errorf("read draft bytes: %w", err)
	}

	var snap diff.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return diff.Snapshot{}, fmt.Errorf("decode draft: %w", err)
	}
	return snap, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
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
