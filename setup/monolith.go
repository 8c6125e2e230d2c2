// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package setup assembles the homeserver's components into one process:
// every subsystem is constructed here, wired over the JetStream bus, and
// its routes mounted. Listener and TLS wiring stay with the embedder.
// Which mounts Routers wherever it serves.
package setup

import (
	"crypto/ed25519"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	clientrouting "github.com/matrixhs/homeserver/clientapi/routing"
	"github.com/matrixhs/homeserver/federation/keyring"
	fedconsumers "github.com/matrixhs/homeserver/federationapi/consumers"
	fedinternal "github.com/matrixhs/homeserver/federationapi/internalapi"
	"github.com/matrixhs/homeserver/federationapi/queue"
	fedrouting "github.com/matrixhs/homeserver/federationapi/routing"
	fedstorage "github.com/matrixhs/homeserver/federationapi/storage"
	"github.com/matrixhs/homeserver/internal/caching"
	"github.com/matrixhs/homeserver/internal/httputil"
	"github.com/matrixhs/homeserver/internal/kv"
	"github.com/matrixhs/homeserver/internal/transactions"
	rsinternal "github.com/matrixhs/homeserver/roomserver/internalapi"
	rsproducers "github.com/matrixhs/homeserver/roomserver/producers"
	rsstorage "github.com/matrixhs/homeserver/roomserver/storage"
	"github.com/matrixhs/homeserver/setup/config"
	"github.com/matrixhs/homeserver/setup/jetstream"
	"github.com/matrixhs/homeserver/setup/process"
	syncconsumers "github.com/matrixhs/homeserver/syncapi/consumers"
	"github.com/matrixhs/homeserver/syncapi/notifier"
	syncrouting "github.com/matrixhs/homeserver/syncapi/routing"
	syncstorage "github.com/matrixhs/homeserver/syncapi/storage"
	"github.com/matrixhs/homeserver/syncapi/sync"
	synctypes "github.com/matrixhs/homeserver/syncapi/types"
	userinternal "github.com/matrixhs/homeserver/userapi/internalapi"
	"github.com/matrixhs/homeserver/userapi/producers"
	userstorage "github.com/matrixhs/homeserver/userapi/storage"
)

// Routers are the route tables the embedder mounts under /_matrix.
type Routers struct {
	Client     *mux.Router // /_matrix/client
	Federation *mux.Router // /_matrix/federation
	Keys       *mux.Router // /_matrix/key
}

// Monolith is the fully wired homeserver.
type Monolith struct {
	Config  *config.HomeserverConfig
	Process *process.ProcessContext
	Routers Routers

	RoomserverAPI *rsinternal.RoomserverInternalAPI
	UserAPI       *userinternal.UserInternalAPI
	FederationAPI *fedinternal.FederationInternalAPI
}

// NewMonolith constructs and starts every component.
func NewMonolith(cfg *config.HomeserverConfig, processCtx *process.ProcessContext) (*Monolith, error) {
	js, _ := jetstream.Prepare(processCtx, &cfg.Global.JetStream)

	caches := caching.NewRistrettoCache(8*1024*1024, time.Hour, caching.EnableMetrics)
	kvStore := kv.NewInMemoryStore(5*time.Minute, 10*time.Minute)
	sessionCache := caching.NewSessionCache(caches.SessionTokens, kvStore, 5*time.Minute)

	privateKey := ed25519.PrivateKey(cfg.Global.PrivateKeyBytes())

	// User API.
	userDB, err := userstorage.Open(&cfg.UserAPI.AccountDatabase)
	if err != nil {
		return nil, err
	}
	userAPI := &userinternal.UserInternalAPI{
		DB:           userDB,
		Config:       &cfg.UserAPI,
		SessionCache: sessionCache,
		KeyChangeProducer: &producers.KeyChange{
			Topic:     cfg.Global.JetStream.Prefixed(jetstream.OutputKeyChangeEvent),
			JetStream: js,
		},
		SendToDeviceProducer: &producers.SendToDevice{
			Topic:     cfg.Global.JetStream.Prefixed(jetstream.OutputSendToDeviceEvent),
			JetStream: js,
		},
	}

	// Room server.
	rsDB, err := rsstorage.Open(&cfg.RoomServer.Database)
	if err != nil {
		return nil, err
	}
	rsAPI := rsinternal.NewRoomserverAPI(&cfg.RoomServer, rsDB, cfg.Global.KeyID, privateKey, &rsproducers.RoomEventProducer{
		Topic:     cfg.Global.JetStream.Prefixed(jetstream.OutputRoomEvent),
		JetStream: js,
	})

	// Federation (keyring + ).
	fedDB, err := fedstorage.Open(&cfg.FederationAPI.Database)
	if err != nil {
		return nil, err
	}
	fedClient := fedinternal.NewClient(&cfg.FederationAPI, cfg.Global.KeyID, privateKey)
	keyRing := keyring.New(fedClient.KeyFetcher(), cfg.FederationAPI.KeyGracePeriod, caches.ServerKeys)
	queues := queue.NewOutgoingQueues(fedDB, processCtx, &cfg.FederationAPI, fedClient)
	fedAPI := &fedinternal.FederationInternalAPI{
		RsAPI:   rsAPI,
		UserAPI: userAPI,
		Keyring: keyRing,
		Client:  fedClient,
		Queues:  queues,
	}
	if !cfg.Global.DisableFederation {
		userAPI.FedKeyQuerier = fedClient
		if err := fedconsumers.NewOutputRoomEventConsumer(processCtx, &cfg.FederationAPI, js, queues, rsDB).Start(); err != nil {
			return nil, err
		}
	}

	// Sync pipeline.
	syncDB, err := syncstorage.Open(&cfg.SyncAPI.Database)
	if err != nil {
		return nil, err
	}
	maxPos, err := syncDB.MaxStreamPosition(processCtx.Context())
	if err != nil {
		return nil, err
	}
	syncNotifier := notifier.NewNotifier(synctypes.StreamingToken{PDUPosition: maxPos})
	if err := syncconsumers.NewOutputRoomEventConsumer(processCtx, &cfg.SyncAPI, js, syncDB, syncNotifier).Start(); err != nil {
		return nil, err
	}
	if err := syncconsumers.NewOutputSendToDeviceEventConsumer(processCtx, &cfg.SyncAPI, js, syncNotifier).Start(); err != nil {
		return nil, err
	}
	if err := syncconsumers.NewOutputKeyChangeEventConsumer(processCtx, &cfg.SyncAPI, js, syncDB, syncNotifier).Start(); err != nil {
		return nil, err
	}
	requestPool := sync.NewRequestPool(&cfg.SyncAPI, syncDB, userAPI, syncNotifier)

	// HTTP route tables.
	routers := Routers{
		Client:     mux.NewRouter().SkipClean(true).PathPrefix("/_matrix/client").Subrouter().UseEncodedPath(),
		Federation: mux.NewRouter().SkipClean(true).PathPrefix("/_matrix/federation").Subrouter().UseEncodedPath(),
		Keys:       mux.NewRouter().SkipClean(true).PathPrefix("/_matrix/key").Subrouter().UseEncodedPath(),
	}
	rateLimits := httputil.NewRateLimits(&cfg.ClientAPI.RateLimiting)
	txnCache := transactions.New()
	clientrouting.Setup(routers.Client, &cfg.ClientAPI, rsAPI, userAPI, rateLimits, txnCache)
	syncrouting.Setup(routers.Client, requestPool, userAPI)
	fedrouting.Setup(routers.Federation, routers.Keys, &cfg.FederationAPI, fedAPI)

	logrus.WithField("server_name", cfg.Global.ServerName).Info("Homeserver components wired")

	return &Monolith{
		Config:        cfg,
		Process:       processCtx,
		Routers:       routers,
		RoomserverAPI: rsAPI,
		UserAPI:       userAPI,
		FederationAPI: fedAPI,
	}, nil
}
