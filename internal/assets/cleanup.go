package assets

import (
	"context"
	"fmt"

	"thirdcoast.systems/postmedia/internal/db"
	"thirdcoast.systems/postmedia/internal/events"
)

// CleanupUnusedAssets physically deletes removed assets that no user
// references, deleting their stored media first. An asset whose media cannot
// be deleted is left for the next sweep. It returns the number of asset rows
// deleted.
func (s *Service) CleanupUnusedAssets(ctx context.Context) (int, error) {
	candidates, err := s.store.ListRemovedSourceAssets(ctx, int32(s.cleanupBatch))
	if err != nil {
		return 0, fmt.Errorf("list removed assets: %w", err)
	}

	purged := 0
	for _, a := range candidates {
		if l, err := LifecycleOf(a); err != nil || !l.Purgeable() {
			continue
		}

		if a.StorageURI != nil {
			if err := s.blobs.Delete(ctx, *a.StorageURI); err != nil {
				s.logger.Warn("failed to delete asset media, keeping row",
					"asset_id", db.GoUUID(a.ID),
					"uri", *a.StorageURI,
					"error", err,
				)
				continue
			}
		}

		n, err := s.store.DeleteRemovedSourceAsset(ctx, a.ID)
		if err != nil {
			s.metrics.AssetsPurged(purged)
			return purged, fmt.Errorf("delete asset %s: %w", db.GoUUID(a.ID), err)
		}
		if n == 0 {
			continue
		}

		purged++
		s.logger.Info("asset purged", "asset_id", db.GoUUID(a.ID), "uri", db.Deref(a.StorageURI))
		s.publish(ctx, events.Event{Type: events.AssetPurged, AssetID: db.GoUUID(a.ID).String()})
	}

	s.metrics.AssetsPurged(purged)
	return purged, nil
}
