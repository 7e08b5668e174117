package usecase

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateway/internal/domain"
	"gateway/internal/interface/repository/logger"
)

var siteAssets = []string{"/index.html", "/style.css", "/script.js"}

func (f *gatewayFixture) serveSite() {
	f.origin.set("/index.html", "<html>v1</html>")
	f.origin.set("/style.css", "body{}")
	f.origin.set("/script.js", "console.log(1)")
	f.origin.set("/profile.jpg", "jpeg")
}

func TestVersionManager_InstallCachesEveryManifestURL(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t)
	f.serveSite()

	require.NoError(t, f.versions.Install(ctx, &domain.Manifest{Generation: "v21", Assets: siteAssets}))
	assert.Equal(t, "v21", f.versions.Current().Tag)

	f.fetcher.offline.Store(true)
	c, err := f.caches.Open(ctx, "v21")
	require.NoError(t, err)

	for _, asset := range siteAssets {
		before := f.origin.hitCount(asset)
		entry, found, err := c.Get(ctx, f.request(t, http.MethodGet, asset, nil, nil).Key())
		require.NoError(t, err)
		require.True(t, found, asset)
		assert.Equal(t, http.StatusOK, entry.StatusCode)
		assert.Equal(t, before, f.origin.hitCount(asset), "lookup must not reach the network")
	}
	assert.Len(t, f.cacheKeys(t, "v21"), 3)
}

func TestVersionManager_NewGenerationPurgesPrevious(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t)
	f.serveSite()

	require.NoError(t, f.versions.Install(ctx, &domain.Manifest{Generation: "v21", Assets: siteAssets}))
	names, err := f.caches.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v21"}, names)

	require.NoError(t, f.versions.Install(ctx, &domain.Manifest{Generation: "v22", Assets: siteAssets}))
	names, err = f.caches.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v22"}, names)
	assert.Len(t, f.cacheKeys(t, "v22"), 3)

	tag, ok, err := f.caches.CurrentGeneration(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v22", tag)
}

func TestVersionManager_InstallIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t)
	f.serveSite()

	require.NoError(t, f.versions.Install(ctx, &domain.Manifest{Generation: "v21", Assets: siteAssets}))

	err := f.versions.Install(ctx, &domain.Manifest{
		Generation: "v22",
		Assets:     append(siteAssets, "/missing.json"),
	})
	var installErr *domain.ErrInstallFailed
	require.True(t, errors.As(err, &installErr))
	assert.Equal(t, "v22", installErr.Generation)
	assert.Contains(t, installErr.URL, "/missing.json")

	assert.Equal(t, "v21", f.versions.Current().Tag)
	names, err := f.caches.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v21"}, names)
}

func TestVersionManager_InstallIfNeededRetriesFailedTag(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t)
	f.serveSite()

	installed, err := f.versions.InstallIfNeeded(ctx, &domain.Manifest{Generation: "v21", Assets: siteAssets})
	require.NoError(t, err)
	assert.True(t, installed)

	broken := &domain.Manifest{Generation: "v22", Assets: []string{"/index.html", "/missing.json"}}
	_, err = f.versions.InstallIfNeeded(ctx, broken)
	require.Error(t, err)
	assert.Equal(t, "v21", f.versions.Current().Tag)

	// 同じタグのまま直したマニフェストで再度インストールされる
	fixed := &domain.Manifest{Generation: "v22", Assets: []string{"/index.html"}}
	installed, err = f.versions.InstallIfNeeded(ctx, fixed)
	require.NoError(t, err)
	assert.True(t, installed)
	assert.Equal(t, "v22", f.versions.Current().Tag)

	installed, err = f.versions.InstallIfNeeded(ctx, fixed)
	require.NoError(t, err)
	assert.False(t, installed, "active generation is not installed again")
}

func TestVersionManager_InstallFailsOffline(t *testing.T) {
	f := newGatewayFixture(t)
	f.serveSite()
	f.fetcher.offline.Store(true)

	err := f.versions.Install(context.Background(), &domain.Manifest{Generation: "v21", Assets: siteAssets})
	var netErr *domain.ErrNetwork
	assert.True(t, errors.As(err, &netErr))
	assert.True(t, f.versions.Current().IsZero())
}

func TestVersionManager_ImagesGoToImageCache(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t)
	f.serveSite()

	require.NoError(t, f.versions.Install(ctx, &domain.Manifest{
		Generation: "v21",
		Assets:     append(siteAssets, "/profile.jpg"),
	}))

	names, err := f.caches.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"v21", "v21-images"}, names)
	assert.Equal(t, []string{"GET " + f.origin.URL + "/profile.jpg"}, f.cacheKeys(t, "v21-images"))
}

func TestVersionManager_InstallStampsEntriesInFetchOrder(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t)
	f.serveSite()
	f.origin.set("/zebra.png", "z")
	f.origin.set("/apple.png", "a")

	require.NoError(t, f.versions.Install(ctx, &domain.Manifest{
		Generation: "v21",
		Assets:     []string{"/zebra.png", "/apple.png"},
	}))

	c, exists, err := f.caches.Lookup(ctx, "v21-images")
	require.NoError(t, err)
	require.True(t, exists)
	infos, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	storedAt := make(map[string]time.Time, len(infos))
	for _, info := range infos {
		storedAt[info.Key] = info.StoredAt
	}
	zebra := storedAt["GET "+f.origin.URL+"/zebra.png"]
	apple := storedAt["GET "+f.origin.URL+"/apple.png"]
	assert.True(t, zebra.Before(apple), "first fetched entry is evicted first")
}

func TestVersionManager_WaitingUntilActivated(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t)
	f.serveSite()

	vm := NewVersionManager(f.caches, f.caches, f.fetcher, logger.Nop(), VersionConfig{Origin: f.origin.URL})
	require.NoError(t, vm.Install(ctx, &domain.Manifest{Generation: "v21", Assets: siteAssets}))
	assert.True(t, vm.Current().IsZero())

	require.NoError(t, vm.Activate(ctx, domain.Generation{Tag: "v21"}))
	assert.Equal(t, "v21", vm.Current().Tag)
}

func TestVersionManager_Restore(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t)
	require.NoError(t, f.caches.SetCurrentGeneration(ctx, "v20"))

	g, err := f.versions.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v20", g.Tag)
	assert.Equal(t, "v20", f.versions.Current().Tag)
}
