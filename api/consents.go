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

	"github.com/trellis-finance/trellis/api/middleware"
	model2 "github.com/trellis-finance/trellis/api/model"
	"github.com/trellis-finance/trellis/internal/apierror"
	"github.com/trellis-finance/trellis/model"
)

// clientID reads the caller's client identity header, failing the request
// when it is absent.
func clientID(c *gin.Context) (string, bool) {
	id := c.GetHeader(middleware.ClientHeader)
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "the X-Client-Id header is required"})
		return "", false
	}
	return id, true
}

func (a Api) serviceError(c *gin.Context, err error) {
	c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
}

func (a Api) CreateConsentRequest(c *gin.Context) {
	var payload model2.CreateConsentRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := payload.ValidateCreateConsentRequest(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	request, consent, err := a.trellis.CreateConsentRequest(c.Request.Context(), payload.ClientID, payload.RequestingParty, payload.RequestingPartyName, payload.Permissions, payload.Reason)
	if err != nil {
		a.serviceError(c, err)
		return
	}

	resp := gin.H{"consent_request": request}
	if consent != nil {
		resp["consent"] = consent
	}
	c.JSON(http.StatusCreated, resp)
}

func (a Api) SignConsentRequest(c *gin.Context) {
	id, ok := clientID(c)
	if !ok {
		return
	}
	requestID, passed := c.Params.Get("request_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request_id is required. pass request_id in the route /:request_id/sign"})
		return
	}

	var payload model2.SignConsentRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := payload.ValidateSignConsentRequest(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	request, consent, err := a.trellis.SignConsentRequest(c.Request.Context(), requestID, id, payload.Action, payload.Signature)
	if err != nil {
		a.serviceError(c, err)
		return
	}

	resp := gin.H{"consent_request": request}
	if consent != nil {
		resp["consent"] = consent
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) ListConsentRequests(c *gin.Context) {
	id, ok := clientID(c)
	if !ok {
		return
	}

	requests, err := a.trellis.ListConsentRequests(c.Request.Context(), id, model.ConsentRequestStatus(c.Query("status")))
	if err != nil {
		a.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"consent_requests": requests})
}

func (a Api) ListConsents(c *gin.Context) {
	id, ok := clientID(c)
	if !ok {
		return
	}

	consents, err := a.trellis.ListConsents(c.Request.Context(), id)
	if err != nil {
		a.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"consents": consents})
}

func (a Api) GetConsent(c *gin.Context) {
	id, ok := clientID(c)
	if !ok {
		return
	}
	consentID, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	consent, err := a.trellis.GetConsent(c.Request.Context(), consentID, id)
	if err != nil {
		a.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, consent)
}

func (a Api) RevokeConsent(c *gin.Context) {
	id, ok := clientID(c)
	if !ok {
		return
	}
	consentID, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	consent, err := a.trellis.RevokeConsent(c.Request.Context(), consentID, id)
	if err != nil {
		a.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, consent)
}
