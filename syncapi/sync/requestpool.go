// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package sync implements the long-poll endpoint: diff the client's
// position against the streams, park on the notifier when there is
// nothing to say, and honor timeout_ms strictly.
package sync

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/matrixhs/homeserver/setup/config"
	"github.com/matrixhs/homeserver/syncapi/notifier"
	"github.com/matrixhs/homeserver/syncapi/storage"
	"github.com/matrixhs/homeserver/syncapi/streams"
	"github.com/matrixhs/homeserver/syncapi/types"
	userapi "github.com/matrixhs/homeserver/userapi/api"
	userinternal "github.com/matrixhs/homeserver/userapi/internalapi"
)

var waitingSyncRequests = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "dendrite",
	Subsystem: "syncapi",
	Name:      "waiting_sync_requests",
	Help:      "Number of sync requests currently parked on the notifier",
})

func init() {
	prometheus.MustRegister(waitingSyncRequests)
}

const defaultTimelineLimit = 20

// RequestPool serves /sync requests.
type RequestPool struct {
	cfg      *config.SyncAPI
	db       *storage.Database
	userAPI  *userinternal.UserInternalAPI
	notifier *notifier.Notifier

	pduStream        *streams.PDUStreamProvider
	toDeviceStream   *streams.ToDeviceStreamProvider
	deviceListStream *streams.DeviceListStreamProvider
}

func NewRequestPool(
	cfg *config.SyncAPI, db *storage.Database,
	userAPI *userinternal.UserInternalAPI, n *notifier.Notifier,
) *RequestPool {
	return &RequestPool{
		cfg:              cfg,
		db:               db,
		userAPI:          userAPI,
		notifier:         n,
		pduStream:        &streams.PDUStreamProvider{DB: db, TimelineLimit: defaultTimelineLimit},
		toDeviceStream:   &streams.ToDeviceStreamProvider{UserAPI: userAPI},
		deviceListStream: &streams.DeviceListStreamProvider{DB: db, UserAPI: userAPI},
	}
}

// OnIncomingSyncRequest handles GET /_matrix/client/v3/sync for an
// authenticated device.
func (rp *RequestPool) OnIncomingSyncRequest(req *http.Request, device *userapi.Device) util.JSONResponse {
	var since types.StreamingToken
	if sinceParam := req.URL.Query().Get("since"); sinceParam != "" {
		var err error
		since, err = types.NewStreamTokenFromString(sinceParam)
		if err != nil {
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.InvalidParam("Invalid since token"),
			}
		}
	}

	timeout := time.Duration(0)
	if timeoutParam := req.URL.Query().Get("timeout"); timeoutParam != "" {
		ms, err := strconv.Atoi(timeoutParam)
		if err != nil || ms < 0 {
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.InvalidParam("Invalid timeout"),
			}
		}
		timeout = time.Duration(ms) * time.Millisecond
	}
	if max := rp.cfg.MaxRequestTimeout; max > 0 && timeout > max {
		timeout = max
	}

	current := rp.notifier.CurrentPosition()
	if !since.IsEmpty() && !current.IsAfter(since) && timeout > 0 {
		// Nothing new: park until the notifier wakes us or the client's
		// deadline passes. A client disconnect cancels the request
		// context and unparks immediately.
		waitCtx, cancel := context.WithTimeout(req.Context(), timeout)
		waitingSyncRequests.Inc()
		current = rp.notifier.WaitForEvents(waitCtx, since, device.UserID, device.ID)
		waitingSyncRequests.Dec()
		cancel()
	}

	res, err := rp.currentSyncForUser(req.Context(), device, since, current)
	if err != nil {
		log.WithError(err).WithField("user_id", device.UserID).Error("Sync failed")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: res}
}

func (rp *RequestPool) currentSyncForUser(
	ctx context.Context, device *userapi.Device, since, to types.StreamingToken,
) (*types.Response, error) {
	res := types.NewResponse()

	if since.IsEmpty() {
		if err := rp.pduStream.CompleteSync(ctx, res, device.UserID, to.PDUPosition); err != nil {
			return nil, err
		}
	} else {
		if err := rp.pduStream.IncrementalSync(ctx, res, device.UserID, since.PDUPosition, to.PDUPosition); err != nil {
			return nil, err
		}
	}

	toDevicePos, err := rp.toDeviceStream.Fill(ctx, res, device.UserID, device.ID, since.ToDevicePosition, to.ToDevicePosition)
	if err != nil {
		return nil, err
	}

	deviceListPos, err := rp.deviceListStream.Fill(ctx, res, device.UserID, since.DeviceListPosition, to.DeviceListPosition)
	if err != nil {
		return nil, err
	}

	if counts, err := rp.userAPI.QueryOneTimeKeys(ctx, device.UserID, device.ID); err == nil {
		res.DeviceListsOTKCount = counts.KeyCount
	}

	next := since.ApplyUpdates(types.StreamingToken{
		PDUPosition:        to.PDUPosition,
		ToDevicePosition:   toDevicePos,
		DeviceListPosition: deviceListPos,
	})
	res.NextBatch = next.String()
	return res, nil
}
