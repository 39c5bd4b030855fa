package gallery

import (
	"context"
	"time"

	"github.com/rapidalle/rapidalle/internal/artifact"
	"github.com/rapidalle/rapidalle/internal/cache"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	keyPrefix  = "library:"
	libraryTTL = 5 * time.Minute
)

// ImageLister is the slice of the artifact store the gallery reads.
type ImageLister interface {
	ImagesByUser(ctx context.Context, userID string, limit int) ([]artifact.Image, error)
}

// Gallery serves a user's library through the cache.
type Gallery struct {
	store ImageLister
	cache cache.Store
	group singleflight.Group
}

// New constructs a Gallery. A nil cache disables caching.
func New(store ImageLister, c cache.Store) *Gallery {
	return &Gallery{store: store, cache: c}
}

// Library returns the user's images newest first. Concurrent misses for the same
// user share one store query.
func (g *Gallery) Library(ctx context.Context, userID string) ([]artifact.Image, error) {
	key := keyPrefix + userID
	if g.cache != nil {
		var cached []artifact.Image
		ok, errGet := cache.GetJSON(ctx, g.cache, key, &cached)
		if errGet != nil {
			log.WithError(errGet).WithField("user_id", userID).Warn("gallery: cache read failed")
		}
		if ok {
			return cached, nil
		}
	}

	v, err, _ := g.group.Do(key, func() (any, error) {
		images, errList := g.store.ImagesByUser(ctx, userID, 0)
		if errList != nil {
			return nil, errList
		}
		if g.cache != nil {
			if errSet := cache.SetJSON(ctx, g.cache, key, images, libraryTTL); errSet != nil {
				log.WithError(errSet).WithField("user_id", userID).Warn("gallery: cache write failed")
			}
		}
		return images, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]artifact.Image), nil
}

// Invalidate drops the cached library for userID.
func (g *Gallery) Invalidate(ctx context.Context, userID string) {
	if g == nil || g.cache == nil {
		return
	}
	if errDel := g.cache.Delete(ctx, keyPrefix+userID); errDel != nil {
		log.WithError(errDel).WithField("user_id", userID).Warn("gallery: invalidate failed")
	}
}
