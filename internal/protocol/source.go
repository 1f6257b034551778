package protocol

// Source identifies the context a message came from. It is either a
// TabSource (a frame inside a browser tab) or an OtherSource (an extension
// page with no tab).
type Source interface {
	SourceID() string
	isSource()
}

// Tab is the browser tab hosting a frame.
type Tab struct {
	ID  int
	URL string
}

// TabSource is a frame inside a tab. URL is the frame's own URL.
type TabSource struct {
	ID  string
	URL string
	Tab Tab
}

func (s TabSource) SourceID() string { return s.ID }
func (TabSource) isSource()          {}

// IsTopFrame reports whether the frame is the tab's top-level document.
func (s TabSource) IsTopFrame() bool { return s.URL == s.Tab.URL }

// OtherSource is a context with no tab, e.g. the popup or options page.
type OtherSource struct {
	ID string
}

func (s OtherSource) SourceID() string { return s.ID }
func (OtherSource) isSource()          {}
