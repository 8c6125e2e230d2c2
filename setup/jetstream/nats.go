// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package jetstream owns the internal NATS JetStream bus: it starts an
// embedded server when no external addresses are configured, declares the
// streams every component relies on, and provides the shared consumer
// loop helper.
package jetstream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	natsserver "github.com/nats-io/nats-server/v2/server"
	natsclient "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/matrixhs/homeserver/setup/config"
	"github.com/matrixhs/homeserver/setup/process"
)

var natsServer *natsserver.Server
var natsServerMutex sync.Mutex

// Prepare connects to the configured NATS deployment, or starts an
// embedded single-node JetStream server if no addresses are given, and
// ensures every stream in streams.go exists with the configured prefix.
func Prepare(process *process.ProcessContext, cfg *config.JetStream) (natsclient.JetStreamContext, *natsclient.Conn) {
	// check if we need an in-process NATS Server
	if len(cfg.Addresses) != 0 {
		return setupNATS(process, cfg, nil)
	}
	natsServerMutex.Lock()
	if natsServer == nil {
		var err error
		natsServer, err = natsserver.NewServer(&natsserver.Options{
			ServerName:      "homeserver",
			DontListen:      true,
			JetStream:       true,
			StoreDir:        cfg.StoragePath,
			NoSystemAccount: true,
			MaxPayload:      16 * 1024 * 1024,
			NoSigs:          true,
			NoLog:           false,
			SyncAlways:      true,
		})
		if err != nil {
			natsServerMutex.Unlock()
			logrus.WithError(err).Panic("Failed to start embedded NATS server")
		}
		natsServer.ConfigureLogger()
		go natsServer.Start()

		go func() {
			<-process.WaitForShutdown()
			natsServer.Shutdown()
			natsServer.WaitForShutdown()
		}()
	}
	natsServerMutex.Unlock()
	if !natsServer.ReadyForConnections(time.Second * 60) {
		logrus.Fatalln("Embedded NATS server did not start in time")
	}
	nc, err := natsclient.Connect("", natsclient.InProcessServer(natsServer))
	if err != nil {
		logrus.Fatalln("Failed to create NATS client")
	}
	return setupNATS(process, cfg, nc)
}

func setupNATS(process *process.ProcessContext, cfg *config.JetStream, nc *natsclient.Conn) (natsclient.JetStreamContext, *natsclient.Conn) {
	if nc == nil {
		var err error
		opts := []natsclient.Option{
			natsclient.MaxReconnects(-1),
			natsclient.ReconnectWait(time.Second * 2),
			natsclient.DisconnectErrHandler(func(_ *natsclient.Conn, err error) {
				if err != nil {
					process.Degraded(err)
				}
			}),
		}
		nc, err = natsclient.Connect(strings.Join(cfg.Addresses, ","), opts...)
		if err != nil {
			logrus.WithError(err).Panic("Unable to connect to NATS")
		}
	}

	s, err := nc.JetStream()
	if err != nil {
		logrus.WithError(err).Panic("Unable to get JetStream context")
	}

	for _, stream := range streams {
		name := StreamName(cfg.TopicPrefix, stream.Name)
		info, err := s.StreamInfo(name)
		if err != nil && err != natsclient.ErrStreamNotFound {
			logrus.WithError(err).Fatal("Unable to get stream info")
		}
		if info == nil {
			// Namespace the stream subject under the prefix too, so that
			// Prefixed(topic) publishes land in the right stream.
			namespaced := *stream
			namespaced.Name = name
			namespaced.Subjects = []string{name}
			if _, err = s.AddStream(&namespaced); err != nil {
				logrus.WithError(err).WithField("stream", name).Fatal("Unable to add stream")
			}
		}
	}

	return s, nc
}

// JetStreamConsumer starts a durable pull consumer loop on subj. The
// handler f is called with batches of at most batch messages; returning
// true acks them, returning false leaves them to be redelivered. The loop
// stops when ctx (normally the process context) is cancelled.
func JetStreamConsumer(
	ctx context.Context, js natsclient.JetStreamContext, subj, durable string, batch int,
	f func(ctx context.Context, msgs []*natsclient.Msg) bool,
	opts ...natsclient.SubOpt,
) error {
	defer func() {
		// If there are existing consumers from before they were pull
		// consumers, we need to clean up the old push consumers so the
		// stream's interest tracking doesn't hold messages forever.
		if info, err := js.ConsumerInfo(subj, durable); err == nil && info != nil && info.Config.DeliverSubject != "" {
			_ = js.DeleteConsumer(subj, durable)
		}
	}()
	name := durable + "Pull"
	sub, err := js.PullSubscribe(subj, name, opts...)
	if err != nil {
		sentry.CaptureException(err)
		logrus.WithContext(ctx).WithError(err).WithField("subject", subj).Warn("Failed to configure durable consumer")
		return err
	}
	go func() {
		for {
			// If the parent context has given up then there's no point in
			// carrying on doing anything, so stop the listener.
			select {
			case <-ctx.Done():
				if err := sub.Unsubscribe(); err != nil {
					logrus.WithContext(ctx).Warnf("Failed to unsubscribe %q", durable)
				}
				return
			default:
			}
			msgs, err := sub.Fetch(batch, natsclient.MaxWait(time.Second*5))
			if err != nil {
				if err == natsclient.ErrTimeout || err == ctx.Err() {
					continue
				}
				logrus.WithContext(ctx).WithField("subject", subj).WithError(err).Warn("Error on pull subscriber fetch")
				time.Sleep(time.Second)
				continue
			}
			if len(msgs) < 1 {
				continue
			}
			for _, msg := range msgs {
				if err = msg.InProgress(natsclient.AckWait(time.Minute)); err != nil {
					logrus.WithContext(ctx).WithField("subject", subj).Warn(err)
					sentry.CaptureException(err)
					continue
				}
			}
			if f(ctx, msgs) {
				for _, msg := range msgs {
					if err = msg.AckSync(); err != nil {
						logrus.WithContext(ctx).WithField("subject", subj).Warn(err)
						sentry.CaptureException(err)
					}
				}
			} else {
				for _, msg := range msgs {
					if err = msg.Nak(); err != nil {
						logrus.WithContext(ctx).WithField("subject", subj).Warn(err)
						sentry.CaptureException(err)
					}
				}
			}
		}
	}()
	return nil
}
