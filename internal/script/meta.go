package script

import (
	"bufio"
	"errors"
	"regexp"
	"strings"
)

// Meta is the parsed ==UserScript== block.
type Meta struct {
	Name         string            `json:"name"`
	Namespace    string            `json:"namespace"`
	Version      string            `json:"version"`
	Description  string            `json:"description"`
	Match        []string          `json:"match"`
	Include      []string          `json:"include"`
	Exclude      []string          `json:"exclude"`
	ExcludeMatch []string          `json:"excludeMatch"`
	Grant        []string          `json:"grant"`
	Require      []string          `json:"require"`
	Resources    map[string]string `json:"resources"`
	RunAt        string            `json:"runAt"`
	UpdateURL    string            `json:"updateURL"`
	DownloadURL  string            `json:"downloadURL"`
	HomepageURL  string            `json:"homepageURL"`
	Icon         string            `json:"icon"`
	NoFrames     bool              `json:"noframes"`
}

var (
	ErrNoMetaBlock = errors.New("script: no ==UserScript== block")

	metaBlock = regexp.MustCompile(`(?s)//\s*==UserScript==\s*\n(.*?)\n\s*//\s*==/UserScript==`)
	metaLine  = regexp.MustCompile(`^\s*//\s*@(\S+)(?:\s+(.*?))?\s*$`)
)

// ParseMeta extracts the metadata block from code. Lists are never nil so
// they encode as [] rather than null.
func ParseMeta(code string) (Meta, error) {
	m := Meta{
		Match:        []string{},
		Include:      []string{},
		Exclude:      []string{},
		ExcludeMatch: []string{},
		Grant:        []string{},
		Require:      []string{},
		Resources:    map[string]string{},
	}

	block := metaBlock.FindStringSubmatch(code)
	if block == nil {
		return m, ErrNoMetaBlock
	}

	sc := bufio.NewScanner(strings.NewReader(block[1]))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		parts := metaLine.FindStringSubmatch(sc.Text())
		if parts == nil {
			continue
		}
		key, val := parts[1], parts[2]
		if strings.Contains(key, ":") {
			// Localised variants such as @name:de.
			continue
		}
		switch key {
		case "name":
			m.Name = val
		case "namespace":
			m.Namespace = val
		case "version":
			m.Version = val
		case "description":
			m.Description = val
		case "match":
			m.Match = appendNonEmpty(m.Match, val)
		case "include":
			m.Include = appendNonEmpty(m.Include, val)
		case "exclude":
			m.Exclude = appendNonEmpty(m.Exclude, val)
		case "exclude-match":
			m.ExcludeMatch = appendNonEmpty(m.ExcludeMatch, val)
		case "grant":
			m.Grant = appendNonEmpty(m.Grant, val)
		case "require":
			m.Require = appendNonEmpty(m.Require, val)
		case "resource":
			if name, url, ok := strings.Cut(val, " "); ok {
				m.Resources[name] = strings.TrimSpace(url)
			}
		case "run-at":
			m.RunAt = val
		case "updateURL":
			m.UpdateURL = val
		case "downloadURL":
			m.DownloadURL = val
		case "homepageURL", "homepage", "website":
			m.HomepageURL = val
		case "icon", "iconURL":
			m.Icon = val
		case "noframes":
			m.NoFrames = true
		}
	}
	return m, sc.Err()
}

func appendNonEmpty(list []string, v string) []string {
	if v == "" {
		return list
	}
	return append(list, v)
}

// HasGrants reports whether the script declared any @grant. "@grant none"
// counts as a declaration.
func (m Meta) HasGrants() bool { return len(m.Grant) > 0 }
