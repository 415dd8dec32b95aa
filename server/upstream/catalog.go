// Package upstream talks to the wkteam provider API through a symbolic
// operation catalog.
package upstream

import (
	"encoding/json"
	"log/slog"
	"os"
	"sort"

	apierr "github.com/wkchat/wkchat/server/internal/errors"
)

// Operation maps a symbolic operation id to the provider's concrete endpoint.
type Operation struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Path   string `json:"path"`
}

// Well-known operation ids the automation workflows depend on.
const (
	OpSendText         = "sendText"
	OpSendImage        = "sendImg"
	OpUploadImageToCDN = "uploadImgToCDN"
	OpSendFileBase64   = "sendFileByBase64"
	OpSendFileByURL    = "sendFileByUrl"
	OpGetMessageImage  = "getMsgImg"
	OpGetMessageFile   = "getMsgFile"
)

type catalogFile struct {
	Operations []Operation `json:"operations"`
}

// Catalog is the startup-loaded operation table. It fails open: a missing or
// unreadable descriptor leaves the process running, and every dependent
// capability reports WKTEAM_CATALOG_UNAVAILABLE instead.
type Catalog struct {
	ops     map[string]Operation
	loadErr error
}

// LoadCatalog reads the descriptor file once.
func LoadCatalog(path string, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{ops: map[string]Operation{}}

	data, err := os.ReadFile(path)
	if err != nil {
		c.loadErr = err
		logger.Warn("operation catalog not loaded, catalog-backed calls disabled",
			"path", path, "error", err.Error())
		return c
	}
	var file catalogFile
	if err := json.Unmarshal(data, &file); err != nil {
		c.loadErr = err
		logger.Warn("operation catalog unparseable, catalog-backed calls disabled",
			"path", path, "error", err.Error())
		return c
	}
	for _, op := range file.Operations {
		if op.ID == "" || op.Method == "" || op.Path == "" {
			logger.Warn("skipping incomplete catalog entry", "id", op.ID)
			continue
		}
		c.ops[op.ID] = op
	}
	logger.Info("operation catalog loaded", "path", path, "operations", len(c.ops))
	return c
}

// NewCatalogFromOperations builds a catalog in memory, used by tests.
func NewCatalogFromOperations(ops []Operation) *Catalog {
	c := &Catalog{ops: map[string]Operation{}}
	for _, op := range ops {
		c.ops[op.ID] = op
	}
	return c
}

// Available reports whether the catalog loaded any operations.
func (c *Catalog) Available() bool {
	return c.loadErr == nil && len(c.ops) > 0
}

// Resolve returns the endpoint for a symbolic operation id.
func (c *Catalog) Resolve(id string) (Operation, error) {
	if !c.Available() {
		return Operation{}, apierr.CatalogUnavailable()
	}
	op, ok := c.ops[id]
	if !ok {
		return Operation{}, apierr.UnknownOperationID(id)
	}
	return op, nil
}

// Operations lists the loaded operations, sorted by id.
func (c *Catalog) Operations() []Operation {
	out := make([]Operation, 0, len(c.ops))
	for _, op := range c.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
