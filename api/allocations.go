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

	model2 "github.com/trellis-finance/trellis/api/model"
)

func (a Api) ListAllocations(c *gin.Context) {
	id, ok := clientID(c)
	if !ok {
		return
	}

	views, err := a.trellis.ListAllocations(c.Request.Context(), id)
	if err != nil {
		a.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"allocations": views})
}

func (a Api) CreateAllocation(c *gin.Context) {
	id, ok := clientID(c)
	if !ok {
		return
	}

	var payload model2.CreateAllocation
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := payload.ValidateCreateAllocation(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	view, err := a.trellis.CreateAllocation(c.Request.Context(), id, payload.CounterpartyCode, payload.AccountType, payload.TargetShare)
	if err != nil {
		a.serviceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (a Api) UpdateAllocation(c *gin.Context) {
	id, ok := clientID(c)
	if !ok {
		return
	}
	allocationID, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	var payload model2.UpdateAllocation
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := payload.ValidateUpdateAllocation(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	view, err := a.trellis.UpdateAllocation(c.Request.Context(), id, allocationID, payload.TargetShare, payload.AccountType)
	if err != nil {
		a.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (a Api) DeleteAllocation(c *gin.Context) {
	id, ok := clientID(c)
	if !ok {
		return
	}
	allocationID, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	if err := a.trellis.DeleteAllocation(c.Request.Context(), id, allocationID); err != nil {
		a.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": allocationID})
}

// ApplyAllocations computes and returns an advisory transfer plan. No money
// moves; callers carry the instructions to their own execution rails.
func (a Api) ApplyAllocations(c *gin.Context) {
	id, ok := clientID(c)
	if !ok {
		return
	}

	plan, err := a.trellis.ComputePlan(c.Request.Context(), id)
	if err != nil {
		a.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}
