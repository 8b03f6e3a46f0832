/*
Copyright 2024 Trellis Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trellis-finance/trellis"
	"github.com/trellis-finance/trellis/api/middleware"
	"github.com/trellis-finance/trellis/config"
)

type Api struct {
	trellis *trellis.Trellis
	router  *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	router.POST("/account-consents/request", a.CreateConsentRequest)
	router.POST("/account-consents/:request_id/sign", a.SignConsentRequest)
	router.GET("/consent-requests", a.ListConsentRequests)

	router.GET("/consents", a.ListConsents)
	router.GET("/consents/:id", a.GetConsent)
	router.DELETE("/consents/:id", a.RevokeConsent)

	router.GET("/external-accounts", a.GetExternalAccounts)
	router.POST("/external-accounts/refresh", a.RefreshExternalAccounts)

	router.GET("/balance-allocations", a.ListAllocations)
	router.POST("/balance-allocations", a.CreateAllocation)
	router.PUT("/balance-allocations/:id", a.UpdateAllocation)
	router.DELETE("/balance-allocations/:id", a.DeleteAllocation)
	router.POST("/balance-allocations/apply", a.ApplyAllocations)

	return a.router
}

func NewAPI(t *trellis.Trellis) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}
	r.Use(middleware.RateLimitMiddleware(conf))

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{trellis: t, router: r}
}
