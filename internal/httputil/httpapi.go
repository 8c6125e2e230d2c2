// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/matrixhs/homeserver/clientapi/auth"
	userapi "github.com/matrixhs/homeserver/userapi/api"
)

var clientAPIRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "dendrite",
		Subsystem: "clientapi",
		Name:      "request_duration_seconds",
		Help:      "Duration of handled HTTP requests in seconds",
	},
	[]string{"handler"},
)

var registerHTTPAPIMetricsOnce = func() struct{} {
	prometheus.MustRegister(clientAPIRequestDuration)
	return struct{}{}
}()

// MakeHTTPAPI wraps a plain http handler with, when enableMetrics is set,
// a per-handler duration histogram; it adds no request logging. userAPI is
// accepted for signature parity with MakeAuthAPI; unauthenticated
// handlers pass nil.
func MakeHTTPAPI(
	metricsName string, userAPI auth.QueryAccessTokenAPI, enableMetrics bool,
	f func(http.ResponseWriter, *http.Request),
) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		f(w, req)
		if enableMetrics {
			clientAPIRequestDuration.WithLabelValues(metricsName).Observe(time.Since(start).Seconds())
		}
	})
}

// MakeExternalAPI turns a util.JSONResponse handler into an
// unauthenticated http.Handler.
func MakeExternalAPI(metricsName string, f func(*http.Request) util.JSONResponse) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		respondJSON(w, f(req))
		clientAPIRequestDuration.WithLabelValues(metricsName).Observe(time.Since(start).Seconds())
	})
}

// MakeAuthAPI authenticates the bearer token before invoking f with the
// resolved device; failures return the uniform 401 body.
func MakeAuthAPI(
	metricsName string, userAPI auth.QueryAccessTokenAPI,
	f func(*http.Request, *userapi.Device) util.JSONResponse,
) http.Handler {
	return MakeExternalAPI(metricsName, func(req *http.Request) util.JSONResponse {
		device, errRes := auth.VerifyUserFromRequest(req, userAPI)
		if errRes != nil {
			return *errRes
		}
		return f(req, device)
	})
}

func respondJSON(w http.ResponseWriter, res util.JSONResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Code)
	if err := json.NewEncoder(w).Encode(res.JSON); err != nil {
		logrus.WithError(err).Error("Failed to encode JSON response")
	}
}

// BasicAuth protects the metrics endpoint with a static credential pair.
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// WrapHandlerInBasicAuth adds basic auth to a handler when both username
// and password are configured; otherwise the handler is passed through.
func WrapHandlerInBasicAuth(h http.Handler, b BasicAuth) http.HandlerFunc {
	if h == nil {
		logrus.Panic("WrapHandlerInBasicAuth: handler should not be nil")
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if b.Username != "" && b.Password != "" {
			user, pass, ok := r.BasicAuth()
			userCmp := subtle.ConstantTimeCompare([]byte(user), []byte(b.Username)) == 1
			passCmp := subtle.ConstantTimeCompare([]byte(pass), []byte(b.Password)) == 1
			if !ok || !userCmp || !passCmp {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
		}
		h.ServeHTTP(w, r)
	}
}
