package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleScript = `// ==UserScript==
// @name        Sample
// @name:de     Beispiel
// @namespace   https://example.com
// @version     1.2.3
// @description Does things
// @match       https://*.example.com/*
// @include     /^https?://test\.local/
// @exclude     https://www.example.com/private*
// @exclude-match https://docs.example.com/*
// @grant       GM_getValue
// @grant       GM_setValue
// @require     https://cdn.example.com/lib.js
// @resource    logo https://cdn.example.com/logo.png
// @run-at      document-start
// @updateURL   https://example.com/sample.meta.js
// @downloadURL https://example.com/sample.user.js
// @noframes
// ==/UserScript==

console.log("hi");
`

func TestParseMeta(t *testing.T) {
	m, err := ParseMeta(sampleScript)
	require.NoError(t, err)

	assert.Equal(t, "Sample", m.Name)
	assert.Equal(t, "https://example.com", m.Namespace)
	assert.Equal(t, "1.2.3", m.Version)
	assert.Equal(t, "Does things", m.Description)
	assert.Equal(t, []string{"https://*.example.com/*"}, m.Match)
	assert.Equal(t, []string{`/^https?://test\.local/`}, m.Include)
	assert.Equal(t, []string{"https://www.example.com/private*"}, m.Exclude)
	assert.Equal(t, []string{"https://docs.example.com/*"}, m.ExcludeMatch)
	assert.Equal(t, []string{"GM_getValue", "GM_setValue"}, m.Grant)
	assert.Equal(t, []string{"https://cdn.example.com/lib.js"}, m.Require)
	assert.Equal(t, map[string]string{"logo": "https://cdn.example.com/logo.png"}, m.Resources)
	assert.Equal(t, "document-start", m.RunAt)
	assert.Equal(t, "https://example.com/sample.meta.js", m.UpdateURL)
	assert.Equal(t, "https://example.com/sample.user.js", m.DownloadURL)
	assert.True(t, m.NoFrames)
	assert.True(t, m.HasGrants())
}

func TestParseMetaWithoutGrant(t *testing.T) {
	m, err := ParseMeta("// ==UserScript==\n// @name Bare\n// ==/UserScript==\n")
	require.NoError(t, err)
	assert.Equal(t, "Bare", m.Name)
	assert.NotNil(t, m.Grant)
	assert.False(t, m.HasGrants())
}

func TestParseMetaMissingBlock(t *testing.T) {
	_, err := ParseMeta("alert(1)")
	assert.ErrorIs(t, err, ErrNoMetaBlock)
}

func TestCompareVersion(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0.1", "1.0.0", 1},
		{"1.10.0", "1.9.0", 1},
		{"2.0.0-beta.1", "2.0.0", -1},
		{"1.2.3.4", "1.2.3.10", -1},
		{"1.2", "1.2.0.0", 0},
		{"2024.01.05", "2023.12.31", 1},
		{"1.0a", "1.0b", -1},
		{"", "", 0},
		{"1", "", 1},
	}
	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareVersion(tt.a, tt.b))
		})
	}
}

func TestNameURI(t *testing.T) {
	assert.Equal(t, "https%3A%2F%2Fexample.com:Sample:", NameURI(Meta{Name: "Sample", Namespace: "https://example.com"}))
	a, b := NameURI(Meta{}), NameURI(Meta{})
	assert.NotEqual(t, a, b)
}
