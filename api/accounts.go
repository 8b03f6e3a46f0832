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
)

// GetExternalAccounts returns the merged cross-counterparty snapshot for the
// calling client. ?refresh=true bypasses the cache.
func (a Api) GetExternalAccounts(c *gin.Context) {
	id, ok := clientID(c)
	if !ok {
		return
	}
	refresh := c.Query("refresh") == "true"

	entries, err := a.trellis.GetExternalAccounts(c.Request.Context(), id, refresh)
	if err != nil {
		a.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": entries})
}

// RefreshExternalAccounts drops the client's cached snapshot so the next read
// fetches live.
func (a Api) RefreshExternalAccounts(c *gin.Context) {
	id, ok := clientID(c)
	if !ok {
		return
	}

	removed, err := a.trellis.InvalidateExternalAccounts(c.Request.Context(), id)
	if err != nil {
		a.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invalidated": removed})
}
