// Package snapshot keeps a git repository per project holding named
// versions of the full graph. Every version is one commit of graph.json,
// optionally tagged, so a project's shape can be recovered at any point.
package snapshot

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

	"graphroom/api/internal/store"
)

// VersionInfo describes one saved graph version.
type VersionInfo struct {
	Hash      string    `json:"hash"`
	Name      string    `json:"name"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
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

// EnsureProjectRepo initializes the project's repo with an empty graph
// baseline. Calling it for an existing repo is a no-op.
func (s *Service) EnsureProjectRepo(projectID, author string) error {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(projectID)
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

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	empty := store.Graph{Nodes: []store.Node{}, Edges: []store.Edge{}, Comments: []store.Comment{}}
	if err := writeGraphFile(path, empty); err != nil {
		return err
	}
	if _, err := worktree.Add("graph.json"); err != nil {
		return fmt.Errorf("git add initial graph: %w", err)
	}
	hash, err := worktree.Commit("Project baseline", &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return fmt.Errorf("commit initial graph: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// SaveVersion commits the graph and tags the commit with the version name.
func (s *Service) SaveVersion(projectID, name string, graph store.Graph, author string) (VersionInfo, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if err != nil {
		return VersionInfo{}, fmt.Errorf("open repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return VersionInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	if err := writeGraphFile(worktree.Filesystem.Root(), graph); err != nil {
		return VersionInfo{}, err
	}
	if _, err := worktree.Add("graph.json"); err != nil {
		return VersionInfo{}, fmt.Errorf("git add graph: %w", err)
	}

	hash, err := worktree.Commit(name, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(author),
	})
	if err != nil {
		return VersionInfo{}, fmt.Errorf("commit graph: %w", err)
	}

	if _, err := repo.CreateTag(name, hash, &git.CreateTagOptions{
		Tagger:  signature(author),
		Message: name,
	}); err != nil && !errors.Is(err, git.ErrTagExists) {
		return VersionInfo{}, fmt.Errorf("create tag: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return VersionInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toVersionInfo(commitObj, name), nil
}

// ListVersions returns the commit log of saved versions, newest first.
func (s *Service) ListVersions(projectID string, limit int) ([]VersionInfo, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]VersionInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toVersionInfo(commitObj, ""))
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

// GetVersion reads the graph at a version name or commit hash.
func (s *Service) GetVersion(projectID, ref string) (store.Graph, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if err != nil {
		return store.Graph{}, fmt.Errorf("open repo: %w", err)
	}

	resolvedHash, err := resolveHash(repo, ref)
	if err != nil {
		return store.Graph{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return store.Graph{}, fmt.Errorf("read commit %s: %w", ref, err)
	}
	return readGraphFromCommit(commitObj)
}

// RemoveProjectRepo deletes the project's repo directory entirely.
func (s *Service) RemoveProjectRepo(projectID string) error {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()
	return os.RemoveAll(s.repoPath(projectID))
}

func (s *Service) repoPath(projectID string) string {
	return filepath.Join(s.baseDir, projectID)
}

func (s *Service) projectLock(projectID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[projectID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[projectID] = lock
	return lock
}

func writeGraphFile(dir string, graph store.Graph) error {
	payload, err := json.MarshalIndent(graph, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "graph.json"), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write graph.json: %w", err)
	}
	return nil
}

func readGraphFromCommit(commitObj *object.Commit) (store.Graph, error) {
	file, err := commitObj.File("graph.json")
	if err != nil {
		return store.Graph{}, fmt.Errorf("load graph.json from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return store.Graph{}, fmt.Errorf("open graph reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return store.Graph{}, fmt.Errorf("read graph bytes: %w", err)
	}

	var graph store.Graph
	if err := json.Unmarshal(raw, &graph); err != nil {
		return store.Graph{}, fmt.Errorf("decode commit graph: %w", err)
	}
	return graph, nil
}

func toVersionInfo(commitObj *object.Commit, name string) VersionInfo {
	if name == "" {
		name = commitObj.Message
	}
	return VersionInfo{
		Hash:      commitObj.Hash.String()[:7],
		Name:      name,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.graphroom.dev", sanitizeEmail(author)),
		When:  time.Now(),
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
