package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserID(t *testing.T) {
	assert.Equal(t, int32(0), UserID(0))
	assert.Equal(t, int32(0), UserID(10001))
	assert.Equal(t, int32(0), UserID(99999))
	assert.Equal(t, int32(1), UserID(100000))
	assert.Equal(t, int32(1), UserID(110001))
	assert.Equal(t, int32(10), UserID(1010001))
}

func TestStaticResolverResolveUID(t *testing.T) {
	r := NewStaticResolver()
	r.Register(0, Package{UID: 10001, Name: "com.example.app"})
	r.Register(1, Package{UID: 110001, Name: "com.example.app"})

	uid, ok := r.ResolveUID("com.example.app", 0)
	require.True(t, ok)
	assert.Equal(t, int32(10001), uid)

	uid, ok = r.ResolveUID("com.example.app", 1)
	require.True(t, ok)
	assert.Equal(t, int32(110001), uid)

	_, ok = r.ResolveUID("com.example.app", 2)
	assert.False(t, ok)
	_, ok = r.ResolveUID("com.example.other", 0)
	assert.False(t, ok)
}

func TestStaticResolverRegisterReplaces(t *testing.T) {
	r := NewStaticResolver()
	r.Register(0, Package{UID: 10001, Name: "com.example.app"})
	r.Register(0, Package{UID: 10002, Name: "com.example.app"})

	uid, ok := r.ResolveUID("com.example.app", 0)
	require.True(t, ok)
	assert.Equal(t, int32(10002), uid)
}

func TestStaticResolverRemove(t *testing.T) {
	r := NewStaticResolver()
	r.Register(0, Package{UID: 10001, Name: "com.example.app"})

	pkg, ok := r.Remove(0, "com.example.app")
	require.True(t, ok)
	assert.Equal(t, int32(10001), pkg.UID)

	_, ok = r.Remove(0, "com.example.app")
	assert.False(t, ok)
	_, ok = r.ResolveUID("com.example.app", 0)
	assert.False(t, ok)
}

func TestStaticResolverInstantAppAndIsolated(t *testing.T) {
	r := NewStaticResolver()
	r.Register(0, Package{UID: 10001, Name: "com.example.instant", InstantApp: true})
	r.Register(0, Package{UID: 10002, Name: "com.example.full"})
	r.MarkIsolated(10003)

	assert.True(t, r.IsInstantApp("com.example.instant", 0))
	assert.False(t, r.IsInstantApp("com.example.full", 0))
	assert.False(t, r.IsInstantApp("com.example.unknown", 0))

	assert.True(t, r.IsIsolated(10003))
	assert.False(t, r.IsIsolated(10001))
}

func TestStaticResolverInstalledPackages(t *testing.T) {
	r := NewStaticResolver()
	r.Register(0, Package{UID: 10001, Name: "com.example.alpha"})
	r.Register(0, Package{UID: 10002, Name: "com.example.beta"})
	// Shared uid: both packages are reported.
	r.Register(0, Package{UID: 10001, Name: "com.example.gamma"})
	r.Register(1, Package{UID: 110001, Name: "com.example.alpha"})

	installed := r.InstalledPackages(0)
	assert.Equal(t, []Package{
		{UID: 10001, Name: "com.example.alpha"},
		{UID: 10002, Name: "com.example.beta"},
		{UID: 10001, Name: "com.example.gamma"},
	}, installed)

	assert.Equal(t, []int32{0, 1}, r.UserIDs())

	r.RemoveUser(1)
	assert.Equal(t, []int32{0}, r.UserIDs())
	assert.Empty(t, r.InstalledPackages(1))
}
