// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internalapi

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib/spec"
	log "github.com/sirupsen/logrus"
)

// PerformPurge removes message events older than beforeTS from a room
// while preserving m.room.create, the live state, the forward extremities,
// and everything reachable from them through auth and prev references, so
// the DAG stays walkable.
func (r *RoomserverInternalAPI) PerformPurge(
	ctx context.Context, roomID string, beforeTS spec.Timestamp,
) (int64, error) {
	var removed int64
	err := r.Locks.WithLock(roomID, func() error {
		keep := map[string]bool{}

		st, err := r.CurrentState(ctx, roomID)
		if err != nil {
			return err
		}
		for _, eventID := range st {
			keep[eventID] = true
		}
		tips, err := r.DB.GetForwardExtremities(ctx, roomID)
		if err != nil {
			return err
		}
		for _, tip := range tips {
			keep[tip] = true
		}

		// Close over auth chains and prev references of everything kept.
		frontier := make([]string, 0, len(keep))
		for id := range keep {
			frontier = append(frontier, id)
		}
		for len(frontier) > 0 {
			events, err := r.DB.GetEvents(ctx, frontier)
			if err != nil {
				return err
			}
			frontier = frontier[:0]
			for _, ev := range events {
				for _, ref := range append(append([]string{}, ev.AuthEventIDs...), ev.PrevEventIDs...) {
					if !keep[ref] {
						keep[ref] = true
						frontier = append(frontier, ref)
					}
				}
			}
		}

		removed, err = r.DB.Purge(ctx, roomID, beforeTS, keep)
		return err
	})
	if err == nil {
		log.WithFields(log.Fields{
			"room_id": roomID,
			"removed": removed,
		}).Info("Purged room history")
	}
	return removed, err
}
