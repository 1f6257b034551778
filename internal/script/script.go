// Package script is the catalog of installed userscripts: code, parsed
// metadata, per-script storage values and cached @require bodies, all in
// sqlite. It also runs update checks against each script's update URL.
package script

import (
	"encoding/hex"
	"net/url"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Custom holds user overrides layered over the script's own metadata.
type Custom struct {
	Match          []string `json:"match,omitempty"`
	Include        []string `json:"include,omitempty"`
	Exclude        []string `json:"exclude,omitempty"`
	ExcludeMatch   []string `json:"excludeMatch,omitempty"`
	RunAt          string   `json:"runAt,omitempty"`
	DownloadURL    string   `json:"downloadURL,omitempty"`
	LastInstallURL string   `json:"lastInstallURL,omitempty"`
}

// Script is one catalog entry. Code is empty in listings.
type Script struct {
	ID           int64  `json:"id"`
	URI          string `json:"uri"`
	Position     int    `json:"position"`
	Enabled      bool   `json:"enabled"`
	Update       bool   `json:"update"`
	Meta         Meta   `json:"meta"`
	Custom       Custom `json:"custom"`
	Code         string `json:"code,omitempty"`
	Digest       string `json:"digest"`
	LastModified int64  `json:"lastModified"`
	LastUpdated  int64  `json:"lastUpdated"`
}

const newScriptTemplate = `// ==UserScript==
// @name New Script
// @namespace Violentmonkey Scripts
// @match *://*/*
// @grant none
// ==/UserScript==
`

// NewScript returns an unsaved script pre-filled with a template.
func NewScript() *Script {
	meta, _ := ParseMeta(newScriptTemplate)
	return &Script{
		Enabled: true,
		Update:  true,
		Meta:    meta,
		Code:    newScriptTemplate,
		Digest:  Digest(newScriptTemplate),
	}
}

// NameURI identifies a script by namespace and name so reinstalling the
// same script replaces it. Scripts with neither get a random uri.
func NameURI(m Meta) string {
	if m.Name == "" && m.Namespace == "" {
		return uuid.NewString()
	}
	return url.QueryEscape(m.Namespace) + ":" + url.QueryEscape(m.Name) + ":"
}

// Digest is the blake3 hex digest of code.
func Digest(code string) string {
	sum := blake3.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
