// Package artifact implements the artifact cache of §4.E: committing an
// assembled sandbox root into CAS under one or more refs, extracting
// refs back to the filesystem, quota-bounded LRU eviction that respects
// a required set, and pull/push against the abstract CAS remote
// contract of §6.
package artifact

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-yaml"
	"github.com/sirupsen/logrus"

	"github.com/buildstream-go/bst/internal/bsterrors"
	"github.com/buildstream-go/bst/internal/cas"
	"github.com/buildstream-go/bst/internal/casremote"
	"github.com/buildstream-go/bst/internal/digest"
	"github.com/buildstream-go/bst/internal/vdir"
)

// RemoteBinding pairs a configured remote spec with its client.
type RemoteBinding struct {
	Spec   casremote.RemoteSpec
	Client casremote.Remote
}

// ArtifactMeta mirrors meta/artifact.yaml of §3's artifact layout.
type ArtifactMeta struct {
	Keys struct {
		Strong       string            `yaml:"strong"`
		Weak         string            `yaml:"weak"`
		Dependencies map[string]string `yaml:"dependencies"`
	} `yaml:"keys"`
	Workspaced             bool     `yaml:"workspaced"`
	WorkspacedDependencies []string `yaml:"workspaced_dependencies"`
}

// Cache is the artifact cache of §4.E, backed by one CAS object store.
type Cache struct {
	store   *cas.Store
	quota   int64
	remotes []RemoteBinding
	log     *logrus.Entry

	mu           sync.Mutex
	required     map[string]struct{}
	sizeByDigest map[string]int64
}

// Open binds a Cache to store with the given byte quota (0 means
// unlimited).
func Open(store *cas.Store, quota int64) (*Cache, error) {
	c := &Cache{
		store:        store,
		quota:        quota,
		log:          logrus.WithField("component", "artifact"),
		required:     map[string]struct{}{},
		sizeByDigest: map[string]int64{},
	}
	if err := c.loadSizeIndex(); err != nil {
		return nil, err
	}
	return c, nil
}

// SetRemotes configures the push-priority-ordered remote list.
func (c *Cache) SetRemotes(remotes []RemoteBinding) { c.remotes = remotes }

// SetRequired freezes the given full ref names against eviction for the
// remainder of the session, per §4.G's required artifact set, and bumps
// their atime so a concurrent session's LRU also sees them as hot.
func (c *Cache) SetRequired(refs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.required = make(map[string]struct{}, len(refs))
	for _, r := range refs {
		c.required[r] = struct{}{}
		c.store.UpdateAtime(r)
	}
}

func (c *Cache) isRequired(ref string) bool {
	_, ok := c.required[ref]
	return ok
}

// RefName builds the slash-separated ref name of §3.
func RefName(project, normalizedName, key string) string {
	return project + "/" + normalizedName + "/" + key
}

func (c *Cache) sizeIndexPath() string {
	return filepath.Join(c.store.Dir(), "artifact-sizes.json")
}

func (c *Cache) loadSizeIndex() error {
	b, err := os.ReadFile(c.sizeIndexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return bsterrors.Wrap(err, bsterrors.DomainArtifact, bsterrors.ReasonIO, "loading artifact size index")
	}
	return json.Unmarshal(b, &c.sizeByDigest)
}

func (c *Cache) saveSizeIndex() error {
	b, err := json.Marshal(c.sizeByDigest)
	if err != nil {
		return bsterrors.Wrap(err, bsterrors.DomainArtifact, bsterrors.ReasonIO, "marshaling artifact size index")
	}
	if err := os.WriteFile(c.sizeIndexPath(), b, 0o644); err != nil {
		return bsterrors.Wrap(err, bsterrors.DomainArtifact, bsterrors.ReasonIO, "saving artifact size index")
	}
	return nil
}

// HasLocal implements state.CacheQuerier.
func (c *Cache) HasLocal(project, normalizedName, key string) bool {
	_, err := c.store.ResolveRef(RefName(project, normalizedName, key))
	return err == nil
}

// HasRemote implements state.CacheQuerier, consulting remotes in
// priority order.
func (c *Cache) HasRemote(project, normalizedName, key string) (bool, error) {
	ref := RefName(project, normalizedName, key)
	for _, rb := range c.remotes {
		_, ok, err := rb.Client.ResolveRef(ref)
		if err != nil {
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (c *Cache) currentSize() int64 {
	refs, err := c.store.ListRefs()
	if err != nil {
		return 0
	}
	seen := map[string]bool{}
	var total int64
	for _, r := range refs {
		d, err := c.store.ResolveRef(r.Name)
		if err != nil || seen[d.Hash] {
			continue
		}
		seen[d.Hash] = true
		total += c.sizeByDigest[d.Hash]
	}
	return total
}

func (c *Cache) digestStillReferenced(hash string) bool {
	refs, err := c.store.ListRefs()
	if err != nil {
		return true
	}
	for _, r := range refs {
		if d, err := c.store.ResolveRef(r.Name); err == nil && d.Hash == hash {
			return true
		}
	}
	return false
}

func sizeOfTree(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, bsterrors.Wrap(err, bsterrors.DomainArtifact, bsterrors.ReasonIO, "measuring assembled root")
	}
	return total, nil
}

// Commit implements §4.E's commit: evicts under quota pressure
// (respecting the required set), imports assembledRoot into CAS, and
// points every key in keys at the resulting digest.
func (c *Cache) Commit(project, normalizedName, assembledRoot string, keys []string) (digest.Digest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size, err := sizeOfTree(assembledRoot)
	if err != nil {
		return digest.Digest{}, err
	}
	if c.quota > 0 && size > c.quota {
		return digest.Digest{}, bsterrors.New(bsterrors.DomainArtifact, bsterrors.ReasonTooLarge, "assembled root exceeds cache quota")
	}

	if c.quota > 0 {
		for c.currentSize()+size > c.quota {
			if !c.evictOne() {
				return digest.Digest{}, bsterrors.New(bsterrors.DomainArtifact, bsterrors.ReasonTooLarge, "cannot honor quota without evicting a required artifact")
			}
		}
	}

	fsSrc, err := vdir.NewFSDirectory(assembledRoot)
	if err != nil {
		return digest.Digest{}, err
	}
	dst := vdir.NewCASDirectory(c.store, digest.Digest{})
	if _, err := dst.ImportFiles(fsSrc, vdir.ImportOptions{LinkOK: true}); err != nil {
		return digest.Digest{}, err
	}
	d, err := dst.Digest()
	if err != nil {
		return digest.Digest{}, err
	}

	c.sizeByDigest[d.Hash] = size
	for _, key := range keys {
		if err := c.store.SetRef(RefName(project, normalizedName, key), d); err != nil {
			return digest.Digest{}, err
		}
	}
	if err := c.saveSizeIndex(); err != nil {
		return digest.Digest{}, err
	}
	return d, nil
}

// CommitArtifact implements §3's artifact layout alongside Commit (it
// does its own quota and ref bookkeeping and does not call Commit):
// assembledRoot becomes files/, buildLog becomes logs/build.log, and
// public/meta are serialized to meta/public.yaml and meta/artifact.yaml.
// It is the only producer of meta/artifact.yaml; readStrongKey (and so
// Pull's link_key step, seed scenario S5) depends on every artifact a
// real build commits going through this rather than Commit directly.
func (c *Cache) CommitArtifact(project, normalizedName, assembledRoot string, buildLog []byte, public map[string]interface{}, meta ArtifactMeta, refs []string) (digest.Digest, error) {
	staging, err := os.MkdirTemp("", "bst-artifact-meta-*")
	if err != nil {
		return digest.Digest{}, bsterrors.Wrap(err, bsterrors.DomainArtifact, bsterrors.ReasonIO, "creating artifact meta staging dir")
	}
	defer os.RemoveAll(staging)

	logsDir := filepath.Join(staging, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return digest.Digest{}, bsterrors.Wrap(err, bsterrors.DomainArtifact, bsterrors.ReasonIO, "staging logs/")
	}
	if err := os.WriteFile(filepath.Join(logsDir, "build.log"), buildLog, 0o644); err != nil {
		return digest.Digest{}, bsterrors.Wrap(err, bsterrors.DomainArtifact, bsterrors.ReasonIO, "writing logs/build.log")
	}

	metaDir := filepath.Join(staging, "meta")
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return digest.Digest{}, bsterrors.Wrap(err, bsterrors.DomainArtifact, bsterrors.ReasonIO, "staging meta/")
	}
	publicBytes, err := yaml.Marshal(public)
	if err != nil {
		return digest.Digest{}, bsterrors.Wrap(err, bsterrors.DomainArtifact, bsterrors.ReasonCorruption, "marshaling meta/public.yaml")
	}
	if err := os.WriteFile(filepath.Join(metaDir, "public.yaml"), publicBytes, 0o644); err != nil {
		return digest.Digest{}, bsterrors.Wrap(err, bsterrors.DomainArtifact, bsterrors.ReasonIO, "writing meta/public.yaml")
	}
	metaBytes, err := yaml.Marshal(meta)
	if err != nil {
		return digest.Digest{}, bsterrors.Wrap(err, bsterrors.DomainArtifact, bsterrors.ReasonCorruption, "marshaling meta/artifact.yaml")
	}
	if err := os.WriteFile(filepath.Join(metaDir, "artifact.yaml"), metaBytes, 0o644); err != nil {
		return digest.Digest{}, bsterrors.Wrap(err, bsterrors.DomainArtifact, bsterrors.ReasonIO, "writing meta/artifact.yaml")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	size, err := sizeOfTree(assembledRoot)
	if err != nil {
		return digest.Digest{}, err
	}
	metaSize, err := sizeOfTree(staging)
	if err != nil {
		return digest.Digest{}, err
	}
	size += metaSize

	if c.quota > 0 && size > c.quota {
		return digest.Digest{}, bsterrors.New(bsterrors.DomainArtifact, bsterrors.ReasonTooLarge, "assembled artifact exceeds cache quota")
	}
	if c.quota > 0 {
		for c.currentSize()+size > c.quota {
			if !c.evictOne() {
				return digest.Digest{}, bsterrors.New(bsterrors.DomainArtifact, bsterrors.ReasonTooLarge, "cannot honor quota without evicting a required artifact")
			}
		}
	}

	root := vdir.NewCASDirectory(c.store, digest.Digest{})

	filesChild, err := root.Descend([]string{"files"}, true)
	if err != nil {
		return digest.Digest{}, err
	}
	fsSrc, err := vdir.NewFSDirectory(assembledRoot)
	if err != nil {
		return digest.Digest{}, err
	}
	if _, err := filesChild.ImportFiles(fsSrc, vdir.ImportOptions{LinkOK: true}); err != nil {
		return digest.Digest{}, err
	}

	metaSrc, err := vdir.NewFSDirectory(staging)
	if err != nil {
		return digest.Digest{}, err
	}
	if _, err := root.ImportFiles(metaSrc, vdir.ImportOptions{LinkOK: true}); err != nil {
		return digest.Digest{}, err
	}

	d, err := root.Digest()
	if err != nil {
		return digest.Digest{}, err
	}

	c.sizeByDigest[d.Hash] = size
	for _, key := range refs {
		if err := c.store.SetRef(RefName(project, normalizedName, key), d); err != nil {
			return digest.Digest{}, err
		}
	}
	if err := c.saveSizeIndex(); err != nil {
		return digest.Digest{}, err
	}
	return d, nil
}

// evictOne removes the single least-recently-used, non-required ref. It
// returns false if no evictable ref exists.
func (c *Cache) evictOne() bool {
	refs, err := c.store.ListRefs()
	if err != nil {
		return false
	}
	for _, r := range refs {
		if c.isRequired(r.Name) {
			continue
		}
		d, err := c.store.ResolveRef(r.Name)
		if err != nil {
			continue
		}
		if _, err := c.store.RemoveRef(r.Name); err != nil {
			continue
		}
		c.log.WithField("ref", r.Name).Debug("evicted artifact ref under quota pressure")
		if !c.digestStillReferenced(d.Hash) {
			delete(c.sizeByDigest, d.Hash)
		}
		return true
	}
	return false
}

// Extract implements §4.E's extract: checks out the ref's Directory
// under extractRoot/project/normalizedName/<hash>/ via an atomic
// rename from a scratch directory. A concurrent extractor racing to the
// same destination is treated as success, not error, per the open
// question of §9.
func (c *Cache) Extract(project, normalizedName, key, extractRoot string) (string, error) {
	d, err := c.store.ResolveRef(RefName(project, normalizedName, key))
	if err != nil {
		return "", bsterrors.Wrap(err, bsterrors.DomainArtifact, bsterrors.ReasonMissingArtifact, "extract: no such ref")
	}

	destParent := filepath.Join(extractRoot, project, normalizedName)
	if err := os.MkdirAll(destParent, 0o755); err != nil {
		return "", bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "creating extract parent dir")
	}
	dest := filepath.Join(destParent, d.Hash)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	tmp, err := os.MkdirTemp(destParent, "extract-tmp-*")
	if err != nil {
		return "", bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "creating extract scratch dir")
	}
	src := vdir.NewCASDirectory(c.store, d)
	if err := src.ExportFiles(tmp, vdir.ExportOptions{CanLink: true}); err != nil {
		os.RemoveAll(tmp)
		return "", err
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.RemoveAll(tmp)
		if os.IsExist(err) {
			return dest, nil
		}
		return "", bsterrors.Wrap(err, bsterrors.DomainCAS, bsterrors.ReasonIO, "renaming extract into place")
	}
	return dest, nil
}

// LinkKey implements §4.E's link_key: after pull resolves a strong key
// from a pulled artifact's meta, point the new key at the same digest
// the old key already references.
func (c *Cache) LinkKey(project, normalizedName, oldKey, newKey string) error {
	d, err := c.store.ResolveRef(RefName(project, normalizedName, oldKey))
	if err != nil {
		return err
	}
	return c.store.SetRef(RefName(project, normalizedName, newKey), d)
}

// Pull implements §4.E's pull: fetches the ref and all transitively
// referenced blobs from the first remote that has it, and if the
// fetched artifact carries a strong key different from key (seed
// scenario S5's non-strict pull), links it locally too. The returned
// string is the learned strong key, or "" if none was found.
func (c *Cache) Pull(project, normalizedName, key string) (string, error) {
	ref := RefName(project, normalizedName, key)
	for _, rb := range c.remotes {
		d, ok, err := rb.Client.ResolveRef(ref)
		if err != nil || !ok {
			continue
		}

		blobs, err := rb.Client.FetchDirectory(d)
		if err != nil {
			return "", bsterrors.Wrap(err, bsterrors.DomainArtifact, bsterrors.ReasonRemoteUnavailable, "fetching directory tree")
		}
		for _, bd := range append(blobs, d) {
			if c.store.Contains(bd) {
				continue
			}
			r, err := rb.Client.FetchBlob(bd)
			if err != nil {
				return "", bsterrors.Wrap(err, bsterrors.DomainArtifact, bsterrors.ReasonRemoteUnavailable, "fetching blob")
			}
			_, err = c.store.AddReader(r)
			r.Close()
			if err != nil {
				return "", err
			}
		}

		if err := c.store.SetRef(ref, d); err != nil {
			return "", err
		}

		strongKey, err := c.readStrongKey(d)
		if err == nil && strongKey != "" && strongKey != key {
			if err := c.store.SetRef(RefName(project, normalizedName, strongKey), d); err != nil {
				return "", err
			}
		}
		c.mu.Lock()
		c.sizeByDigest[d.Hash] = treeLogicalSize(c.store, d)
		c.saveSizeIndex()
		c.mu.Unlock()
		return strongKey, nil
	}
	return "", bsterrors.New(bsterrors.DomainArtifact, bsterrors.ReasonRemoteUnavailable, "pull: no remote has "+ref)
}

func (c *Cache) readStrongKey(root digest.Digest) (string, error) {
	metaDigest, ok, err := childDirDigest(c.store, root, "meta")
	if err != nil || !ok {
		return "", err
	}
	b, ok, err := childFileBytes(c.store, metaDigest, "artifact.yaml")
	if err != nil || !ok {
		return "", err
	}
	var meta ArtifactMeta
	if err := yaml.Unmarshal(b, &meta); err != nil {
		return "", bsterrors.Wrap(err, bsterrors.DomainArtifact, bsterrors.ReasonCorruption, "parsing meta/artifact.yaml")
	}
	return meta.Keys.Strong, nil
}

// childDirDigest looks up the digest of the subdirectory named name
// directly inside the Directory object at dirDigest.
func childDirDigest(store *cas.Store, dirDigest digest.Digest, name string) (digest.Digest, bool, error) {
	obj, err := store.GetDirectory(dirDigest)
	if err != nil {
		return digest.Digest{}, false, err
	}
	for _, sd := range obj.Directories {
		if sd.Name == name {
			return sd.Digest, true, nil
		}
	}
	return digest.Digest{}, false, nil
}

// childFileBytes reads the content of the file named name directly
// inside the Directory object at dirDigest.
func childFileBytes(store *cas.Store, dirDigest digest.Digest, name string) ([]byte, bool, error) {
	obj, err := store.GetDirectory(dirDigest)
	if err != nil {
		return nil, false, err
	}
	for _, f := range obj.Files {
		if f.Name == name {
			b, err := store.ReadObject(f.Digest)
			return b, true, err
		}
	}
	return nil, false, nil
}

// Push implements §4.E's push: for each push remote lacking strongKey,
// uploads every blob the artifact references then updates the remote
// refs for every key. Returns whether any remote was actually updated.
func (c *Cache) Push(project, normalizedName, strongKey string, allKeys []string) (bool, error) {
	ref := RefName(project, normalizedName, strongKey)
	d, err := c.store.ResolveRef(ref)
	if err != nil {
		return false, bsterrors.Wrap(err, bsterrors.DomainArtifact, bsterrors.ReasonMissingArtifact, "push: no such local ref")
	}

	changed := false
	for _, rb := range c.remotes {
		if !rb.Spec.Push {
			continue
		}
		if _, ok, err := rb.Client.ResolveRef(ref); err == nil && ok {
			continue
		}

		blobs, err := localTreeDigests(c.store, d)
		if err != nil {
			return changed, err
		}
		for _, bd := range append(blobs, d) {
			has, err := rb.Client.Has(bd)
			if err == nil && has {
				continue
			}
			r, err := c.store.OpenObject(bd)
			if err != nil {
				return changed, err
			}
			err = rb.Client.PushBlob(bd, r)
			r.Close()
			if err != nil {
				return changed, bsterrors.Wrap(err, bsterrors.DomainArtifact, bsterrors.ReasonPushFailed, "pushing blob")
			}
		}
		for _, k := range allKeys {
			if err := rb.Client.SetRef(RefName(project, normalizedName, k), d); err != nil {
				return changed, err
			}
		}
		changed = true
	}
	return changed, nil
}

// NeedsPush reports whether any configured push remote still lacks
// strongKey, mirroring Push's remote-selection loop without uploading
// anything. The scheduler uses this to decide push_needed (§4.D)
// without guessing at remote state.
func (c *Cache) NeedsPush(project, normalizedName, strongKey string) bool {
	ref := RefName(project, normalizedName, strongKey)
	for _, rb := range c.remotes {
		if !rb.Spec.Push {
			continue
		}
		if _, ok, err := rb.Client.ResolveRef(ref); err == nil && ok {
			continue
		}
		return true
	}
	return false
}

// localTreeDigests walks a committed Directory tree in the local store
// and returns every digest it references: the directory objects
// themselves and every file blob, not including root.
func localTreeDigests(store *cas.Store, root digest.Digest) ([]digest.Digest, error) {
	var out []digest.Digest
	var walk func(d digest.Digest) error
	walk = func(d digest.Digest) error {
		dirObj, err := store.GetDirectory(d)
		if err != nil {
			return err
		}
		for _, f := range dirObj.Files {
			out = append(out, f.Digest)
		}
		for _, sd := range dirObj.Directories {
			out = append(out, sd.Digest)
			if err := walk(sd.Digest); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return out, nil
}

func treeLogicalSize(store *cas.Store, root digest.Digest) int64 {
	digests, err := localTreeDigests(store, root)
	if err != nil {
		return 0
	}
	var total int64
	for _, d := range digests {
		total += d.Size
	}
	return total
}

