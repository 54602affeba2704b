// Package modfetch fetches and pins bytecode module bundles referenced by
// a session manifest: clone the git source into a temp dir, resolve the
// requested revision, check it out, and move it to a content-addressed
// cache path. Fetches are idempotent: a checkout pinned by an explicit rev
// that already exists is reused without touching the network, while tag
// and branch specs are always cloned to resolve their commit and then
// reuse an existing checkout at that pin.
package modfetch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Spec pins one git-sourced module bundle.
type Spec struct {
	URL    string
	Rev    string
	Tag    string
	Branch string
}

// Fetcher caches checkouts under cacheDir/mod/src/<name>/<version>.
type Fetcher struct {
	cacheDir string
}

// New returns a Fetcher rooted at cacheDir.
func New(cacheDir string) *Fetcher {
	return &Fetcher{cacheDir: cacheDir}
}

// Fetch ensures name's bundle is checked out at the revision spec names
// and returns the checkout directory plus the pinned version string.
func (f *Fetcher) Fetch(name string, spec *Spec) (string, string, error) {
	if spec == nil || strings.TrimSpace(spec.URL) == "" {
		return "", "", fmt.Errorf("modfetch: module %s has no git url", name)
	}
	baseDir := filepath.Join(f.cacheDir, "mod", "src", sanitizePathSegment(name))
	version, commit, err := ensureGitCheckout(baseDir, spec.URL, spec)
	if err != nil {
		return "", "", fmt.Errorf("modfetch: %s: %w", name, err)
	}
	_ = commit
	return filepath.Join(baseDir, sanitizePathSegment(version)), version, nil
}

func ensureGitCheckout(baseDir, url string, spec *Spec) (string, string, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return "", "", err
	}

	revision, descriptor, err := revisionFromSpec(spec)
	if err != nil {
		return "", "", err
	}

	explicitRev := strings.TrimSpace(spec.Rev)
	if explicitRev != "" {
		existing := filepath.Join(baseDir, sanitizePathSegment(explicitRev))
		if _, err := os.Stat(existing); err == nil {
			return explicitRev, explicitRev, nil
		}
	}

	tmpDir, err := os.MkdirTemp(baseDir, "git-fetch-*")
	if err != nil {
		return "", "", err
	}
	if err := os.RemoveAll(tmpDir); err != nil {
		return "", "", err
	}

	repo, err := git.PlainClone(tmpDir, false, &git.CloneOptions{
		URL:               url,
		Depth:             0,
		RecurseSubmodules: git.DefaultSubmoduleRecursionDepth,
	})
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		return "", "", fmt.Errorf("git clone %s: %w", url, err)
	}

	hash, err := repo.ResolveRevision(revision)
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		return "", "", fmt.Errorf("resolve revision %s: %w", revision, err)
	}

	version := pinnedVersion(descriptor, hash.String())
	targetDir := filepath.Join(baseDir, sanitizePathSegment(version))
	if _, err := os.Stat(targetDir); err == nil {
		_ = os.RemoveAll(tmpDir)
		return version, hash.String(), nil
	}

	worktree, err := repo.Worktree()
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		return "", "", err
	}
	if err := worktree.Checkout(&git.CheckoutOptions{
		Hash:  *hash,
		Force: true,
	}); err != nil {
		_ = os.RemoveAll(tmpDir)
		return "", "", fmt.Errorf("git checkout %s: %w", revision, err)
	}

	if err := os.Rename(tmpDir, targetDir); err != nil {
		_ = os.RemoveAll(tmpDir)
		return "", "", err
	}
	return version, hash.String(), nil
}

func revisionFromSpec(spec *Spec) (plumbing.Revision, string, error) {
	if rev := strings.TrimSpace(spec.Rev); rev != "" {
		return plumbing.Revision(rev), rev, nil
	}
	if tag := strings.TrimSpace(spec.Tag); tag != "" {
		return plumbing.Revision("refs/tags/" + tag), tag, nil
	}
	if branch := strings.TrimSpace(spec.Branch); branch != "" {
		return plumbing.Revision("refs/heads/" + branch), branch, nil
	}
	return "", "", fmt.Errorf("git modules require rev, tag, or branch")
}

func pinnedVersion(descriptor, commit string) string {
	commit = strings.TrimSpace(commit)
	descriptor = strings.TrimSpace(descriptor)
	if commit == "" {
		return descriptor
	}
	if descriptor == "" || descriptor == commit {
		return commit
	}
	return fmt.Sprintf("%s@%s", descriptor, commit)
}

func sanitizePathSegment(segment string) string {
	segment = strings.TrimSpace(segment)
	if segment == "" {
		return "head"
	}
	var b strings.Builder
	for _, r := range segment {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}
