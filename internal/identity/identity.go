// Package identity is the boundary to the package/permission subsystem: it
// resolves package names to uids, answers isolation and instant-app checks,
// and enumerates installed packages for orphan reclamation. The blob core
// trusts the transport-verified caller uid but independently re-verifies the
// caller package against this resolver.
package identity

import (
	"sort"
	"sync"
)

// uidsPerUser is the size of each user's uid range; a uid's user scope is its
// range index.
const uidsPerUser = 100000

// UserID returns the user scope that owns the given uid.
func UserID(uid int32) int32 {
	return uid / uidsPerUser
}

// Resolver answers identity and installation queries for the blob core.
type Resolver interface {
	// ResolveUID returns the uid the package maps to within the user scope.
	ResolveUID(pkg string, userID int32) (int32, bool)
	// IsInstantApp reports whether the package runs as an instant app.
	IsInstantApp(pkg string, userID int32) bool
	// IsIsolated reports whether the uid belongs to an isolated process.
	IsIsolated(uid int32) bool
	// InstalledPackages returns every installed package in the user scope.
	// Several packages may share one uid.
	InstalledPackages(userID int32) []Package
	// UserIDs returns all known user scopes.
	UserIDs() []int32
}

// Package describes one installed package within a user scope.
type Package struct {
	UID        int32  `json:"uid"`
	Name       string `json:"name"`
	InstantApp bool   `json:"instant_app,omitempty"`
}

// StaticResolver is an in-memory, mutable Resolver. The daemon seeds it from
// configuration; tests mutate it directly. Removal events are the caller's
// responsibility to forward into the registry.
type StaticResolver struct {
	mu       sync.RWMutex
	packages map[int32]map[string]Package // userID -> package name -> package
	isolated map[int32]struct{}
}

// NewStaticResolver returns an empty resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{
		packages: make(map[int32]map[string]Package),
		isolated: make(map[int32]struct{}),
	}
}

// Register installs a package into a user scope, replacing any previous
// registration under the same name.
func (r *StaticResolver) Register(userID int32, pkg Package) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userPackages := r.packages[userID]
	if userPackages == nil {
		userPackages = make(map[string]Package)
		r.packages[userID] = userPackages
	}
	userPackages[pkg.Name] = pkg
}

// Remove uninstalls a package from a user scope and returns it.
func (r *StaticResolver) Remove(userID int32, name string) (Package, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pkg, ok := r.packages[userID][name]
	if ok {
		delete(r.packages[userID], name)
	}
	return pkg, ok
}

// RemoveUser drops a whole user scope.
func (r *StaticResolver) RemoveUser(userID int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.packages, userID)
}

// MarkIsolated flags a uid as belonging to an isolated process.
func (r *StaticResolver) MarkIsolated(uid int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.isolated[uid] = struct{}{}
}

// ResolveUID implements Resolver.
func (r *StaticResolver) ResolveUID(pkg string, userID int32) (int32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.packages[userID][pkg]
	if !ok {
		return 0, false
	}
	return p.UID, true
}

// IsInstantApp implements Resolver.
func (r *StaticResolver) IsInstantApp(pkg string, userID int32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.packages[userID][pkg]
	return ok && p.InstantApp
}

// IsIsolated implements Resolver.
func (r *StaticResolver) IsIsolated(uid int32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.isolated[uid]
	return ok
}

// InstalledPackages implements Resolver.
func (r *StaticResolver) InstalledPackages(userID int32) []Package {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Package, 0, len(r.packages[userID]))
	for _, p := range r.packages[userID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// UserIDs implements Resolver.
func (r *StaticResolver) UserIDs() []int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int32, 0, len(r.packages))
	for userID := range r.packages {
		out = append(out, userID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
